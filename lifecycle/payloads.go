// Package lifecycle drives a project's containers from creation to the first agent
// prompt as a chain of queue jobs:
//
//	project.create -> compose.up -> preview.wait_ready -> agent.session_init -> agent.prompt_send
//
// Each step enqueues the next one for the same project, so the queue's per-project
// exclusion keeps one step of a project running at a time.
package lifecycle

import (
	"regexp"

	"github.com/pablopunk/doce.dev-sub004/errors"
)

// Job types, stable across releases.
const (
	TypeCreateProject = "project.create"
	TypeComposeUp     = "compose.up"
	TypeWaitReady     = "preview.wait_ready"
	TypeSessionInit   = "agent.session_init"
	TypePromptSend    = "agent.prompt_send"
)

// CreateProject prepares the project directory.
type CreateProject struct {
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt,omitempty"`
}

func (CreateProject) JobType() string { return TypeCreateProject }

// ComposeUp starts the project's containers.
type ComposeUp struct {
	ProjectID string `json:"projectId"`
	Prompt    string `json:"prompt,omitempty"`
}

func (ComposeUp) JobType() string { return TypeComposeUp }

// WaitReady polls the preview URL until it answers.
type WaitReady struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeoutMs,omitempty"` // 0 = configured default
	Prompt    string `json:"prompt,omitempty"`
}

func (WaitReady) JobType() string { return TypeWaitReady }

// SessionInit opens an agent session for the project.
type SessionInit struct {
	ProjectID string `json:"projectId"`
	Prompt    string `json:"prompt,omitempty"`
}

func (SessionInit) JobType() string { return TypeSessionInit }

// PromptSend hands the user's prompt to the agent session.
type PromptSend struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

func (PromptSend) JobType() string { return TypePromptSend }

// DedupeKey is the key a step is enqueued under: one active job per step and project.
func DedupeKey(jobType, projectID string) string {
	return jobType + ":" + projectID
}

var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,62}$`)

// ValidateProjectID rejects ids that are unsafe as directory or compose project names.
func ValidateProjectID(id string) error {
	if !projectIDPattern.MatchString(id) {
		return errors.NewInvalidRequestError("invalid project id %q", id)
	}
	return nil
}
