// Package httputil builds the *http.Client instances the core uses to talk
// to graders and the LMS, with consistent timeouts and optional basic auth.
package httputil

import (
	"net/http"
	"time"
)

// BasicAuth is a pair of credentials applied to every outbound request.
// Zero value means "no auth".
type BasicAuth struct {
	Username string
	Password string
}

// basicAuthTransport wraps an http.RoundTripper and applies HTTP basic auth
// to every request when configured.
type basicAuthTransport struct {
	auth BasicAuth
	base http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.auth.Username != "" {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password)
	}
	return t.base.RoundTrip(req)
}

// New builds an *http.Client with the given request timeout and optional
// basic-auth credentials applied to every request it sends.
func New(timeout time.Duration, auth BasicAuth) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &basicAuthTransport{
			auth: auth,
			base: http.DefaultTransport,
		},
	}
}
