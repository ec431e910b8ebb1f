package lifecycle

import "context"

// Runtime manages a project's files and containers.
type Runtime interface {
	// CreateProject prepares the project's working directory and returns it.
	CreateProject(ctx context.Context, projectID, name string) (string, error)
	// ComposeUp starts the project's containers. It must be safe to repeat.
	ComposeUp(ctx context.Context, projectID string) error
	// PreviewURL is where the project's dev server answers once it is up.
	PreviewURL(ctx context.Context, projectID string) (string, error)
}

// Prober checks whether a preview URL is serving.
type Prober interface {
	// Ready reports whether url answers. A connection failure is (false, nil);
	// errors are reserved for probes that can never succeed.
	Ready(ctx context.Context, url string) (bool, error)
}

// Agent is the coding agent server a project talks to.
type Agent interface {
	CreateSession(ctx context.Context, projectID string) (string, error)
	SendPrompt(ctx context.Context, projectID, sessionID, prompt string) error
}
