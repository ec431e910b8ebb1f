package lifecycle

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pablopunk/doce.dev-sub004/errors"
	"github.com/pablopunk/doce.dev-sub004/version"
)

// HTTPProber treats any response below 500 as ready.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPProber{client: &http.Client{
		Timeout: timeout,
		// A redirect to a login page still means the server is up.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

// Ready issues one GET against rawURL.
func (p *HTTPProber) Ready(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false, errors.NewInvalidRequestError("preview url %q is not an http url", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to build probe request")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode < http.StatusInternalServerError, nil
}
