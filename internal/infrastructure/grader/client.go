// Package grader implements service.GraderClient: the push worker pool's
// view of a third-party grading backend. Canned and
// Proxy stand in for a real grader in tests and local development; the
// real HTTPClient is used in production.
package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

// HTTPClient POSTs a submission payload to a real grader endpoint.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an HTTPClient using the given base *http.Client
// (already configured with basic auth if the grader requires it).
func NewHTTPClient(client *http.Client) *HTTPClient {
	return &HTTPClient{client: client}
}

// Grade POSTs payload as JSON to graderURL with a hard deadline. A non-2xx
// response, connection error, or timeout is reported as ok=false with a
// diagnostic reply string; Grade itself never returns a non-nil error for
// those cases; it only does so when the payload cannot be marshalled or the
// request cannot be built (for example, a malformed graderURL).
func (c *HTTPClient) Grade(ctx context.Context, graderURL string, payload domainservice.GraderPayload, timeout time.Duration) (bool, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, graderURL, bytes.NewReader(body))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, "cannot connect to grader", nil
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "could not read grader reply", nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, "unexpected HTTP status from grader", nil
	}

	return true, string(reply), nil
}

// Canned always returns the same reply, used for local development and
// tests that exercise the push/pull paths without a real grader.
type Canned struct {
	Reply string
	OK    bool
}

// Grade ignores its arguments and returns the configured canned reply.
func (c *Canned) Grade(ctx context.Context, graderURL string, payload domainservice.GraderPayload, timeout time.Duration) (bool, string, error) {
	return c.OK, c.Reply, nil
}

// Proxy forwards every call to a single fixed URL regardless of the
// graderURL argument, useful for pointing an entire test run at one local
// grader stub.
type Proxy struct {
	Target string
	Inner  domainservice.GraderClient
}

// Grade delegates to Inner with Target substituted for graderURL.
func (p *Proxy) Grade(ctx context.Context, graderURL string, payload domainservice.GraderPayload, timeout time.Duration) (bool, string, error) {
	return p.Inner.Grade(ctx, p.Target, payload, timeout)
}
