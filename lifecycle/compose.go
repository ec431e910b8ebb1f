package lifecycle

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/logger"
)

// maxOutputTail is how much compose output is kept on an error.
const maxOutputTail = 2048

// ComposeRuntime runs a compose command line in each project's directory.
type ComposeRuntime struct {
	projectsDir string
	command     []string
	previewURL  string
	logger      *zap.SugaredLogger
}

// ComposeOptions configures a ComposeRuntime.
type ComposeOptions struct {
	ProjectsDir string
	// Command is a shell-style command line, e.g. "docker compose up -d --wait".
	Command string
	// PreviewURLTemplate may contain {project}, replaced by the project id.
	PreviewURLTemplate string
	Logger             *zap.SugaredLogger
}

// NewComposeRuntime parses opts.Command and returns the runtime.
func NewComposeRuntime(opts ComposeOptions) (*ComposeRuntime, error) {
	if opts.ProjectsDir == "" {
		return nil, errors.NewInvalidRequestError("projects directory is required")
	}
	args, err := shellquote.Split(opts.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid compose command %q", opts.Command)
	}
	if len(args) == 0 {
		return nil, errors.NewInvalidRequestError("compose command is empty")
	}
	if opts.PreviewURLTemplate == "" {
		return nil, errors.NewInvalidRequestError("preview url template is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ComposeRuntime{
		projectsDir: opts.ProjectsDir,
		command:     args,
		previewURL:  opts.PreviewURLTemplate,
		logger:      log.Named("compose"),
	}, nil
}

// ProjectDir is the working directory of projectID.
func (r *ComposeRuntime) ProjectDir(projectID string) string {
	return filepath.Join(r.projectsDir, projectID)
}

// CreateProject creates the project directory. An existing directory is reused.
func (r *ComposeRuntime) CreateProject(ctx context.Context, projectID, name string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	dir := r.ProjectDir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create project directory %s", dir)
	}
	r.log(ctx).Infow("Project directory ready", logger.FieldProjectID, projectID, "name", name, "dir", dir)
	return dir, nil
}

// ComposeUp runs the compose command in the project directory. Cancelling ctx kills it.
func (r *ComposeRuntime) ComposeUp(ctx context.Context, projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	dir := r.ProjectDir(projectID)
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "project directory missing for %s", projectID)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME=doce-"+strings.ToLower(projectID))
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	started := time.Now()
	r.log(ctx).Infow("Running compose", logger.FieldProjectID, projectID, "command", shellquote.Join(r.command...))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return errors.WithDetail(
			errors.Wrapf(err, "compose failed for %s", projectID),
			"Output: "+tail(out.String(), maxOutputTail),
		)
	}
	r.log(ctx).Infow("Compose finished", logger.FieldProjectID, projectID, logger.FieldDurationMS, time.Since(started).Milliseconds())
	return nil
}

// PreviewURL fills the configured template.
func (r *ComposeRuntime) PreviewURL(_ context.Context, projectID string) (string, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return "", err
	}
	return strings.ReplaceAll(r.previewURL, "{project}", projectID), nil
}

// log scopes the runtime logger with the job carried by ctx.
func (r *ComposeRuntime) log(ctx context.Context) *zap.SugaredLogger {
	return r.logger.With(logger.FieldsFromContext(ctx)...)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "..." + s[cut:]
}
