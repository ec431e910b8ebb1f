package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/queue"
	"github.com/pablopunk/doce.dev-sub004/version"
)

// HTTPAgent talks JSON to the agent server.
//
//	POST {base}/session              {"projectId"}  -> {"id"}
//	POST {base}/session/{id}/prompt  {"projectId", "prompt"}
type HTTPAgent struct {
	baseURL    string
	httpClient *http.Client
}

// AgentConfig holds HTTPAgent configuration
type AgentConfig struct {
	BaseURL string
	Timeout time.Duration // default 60s
}

// NewHTTPAgent creates an agent client.
func NewHTTPAgent(cfg AgentConfig) (*HTTPAgent, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.NewInvalidRequestError("agent url %q must be absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPAgent{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type sessionRequest struct {
	ProjectID string `json:"projectId"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

type promptRequest struct {
	ProjectID string `json:"projectId"`
	Prompt    string `json:"prompt"`
}

// CreateSession opens a session and returns its id.
func (a *HTTPAgent) CreateSession(ctx context.Context, projectID string) (string, error) {
	var resp sessionResponse
	if err := a.post(ctx, "/session", sessionRequest{ProjectID: projectID}, &resp); err != nil {
		return "", errors.Wrapf(err, "create agent session for %s", projectID)
	}
	if resp.ID == "" {
		return "", errors.Newf("agent returned an empty session id for %s", projectID)
	}
	return resp.ID, nil
}

// SendPrompt posts prompt to an existing session.
func (a *HTTPAgent) SendPrompt(ctx context.Context, projectID, sessionID, prompt string) error {
	path := "/session/" + url.PathEscape(sessionID) + "/prompt"
	if err := a.post(ctx, path, promptRequest{ProjectID: projectID, Prompt: prompt}, nil); err != nil {
		return errors.Wrapf(err, "send prompt to session %s", sessionID)
	}
	return nil
}

// post sends body and decodes the reply into out when out is non-nil.
// Client errors other than 408 and 429 are permanent: retrying the same request cannot help.
func (a *HTTPAgent) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "agent request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := errors.Newf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return queue.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode agent response from %s", path)
	}
	return nil
}
