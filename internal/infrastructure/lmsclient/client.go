// Package lmsclient implements service.LMSClient, posting verdicts back to
// the LMS with a bounded retry budget.
package lmsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

// maxAttempts is a quick-kludge retry of five attempts with no backoff,
// kept here because abrupt LMS-side disconnects during deploys are
// exactly the failure mode it guards against.
const maxAttempts = 5

type verdictHeader struct {
	LMSCallbackURL string `json:"lms_callback_url"`
}

type verdictEnvelope struct {
	XQueueHeader string `json:"xqueue_header"`
	XQueueBody   string `json:"xqueue_body"`
}

// Client posts verdicts to the LMS via HTTP.
type Client struct {
	httpClient *http.Client
	logger     domainservice.Logger
}

// NewClient creates a new LMS callback client. httpClient should already be
// configured with the REQUESTS_TIMEOUT deadline and basic auth, if any.
func NewClient(httpClient *http.Client, logger domainservice.Logger) *Client {
	return &Client{httpClient: httpClient, logger: logger}
}

// PostVerdict extracts lms_callback_url from header and POSTs
// {xqueue_header, xqueue_body} to it, retrying up to maxAttempts times.
func (c *Client) PostVerdict(ctx context.Context, header, body string) bool {
	var h verdictHeader
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		c.logger.Error("malformed xqueue_header, cannot deliver verdict", "error", err)
		return false
	}

	payload, err := json.Marshal(verdictEnvelope{XQueueHeader: header, XQueueBody: body})
	if err != nil {
		c.logger.Error("failed to marshal verdict payload", "error", err)
		return false
	}

	log := c.logger.With("lms_callback_url", h.LMSCallbackURL)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.LMSCallbackURL, bytes.NewReader(payload))
		if err != nil {
			log.Error("failed to build LMS callback request", "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.Warn("LMS callback attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
		log.Warn("LMS callback attempt returned non-2xx", "attempt", attempt+1, "status", resp.StatusCode)
	}

	log.Error("unable to deliver verdict to LMS after retries", "attempts", maxAttempts)
	return false
}

// FailurePayload builds the JSON failure notification the LMS renders to
// the learner when grading could not complete.
func FailurePayload() string {
	const msg = `<div class="capa_alert">Your submission could not be graded. ` +
		`Please recheck your submission and try again. ` +
		`If the problem persists, please notify the course staff.</div>`
	b, _ := json.Marshal(struct {
		Correct *bool  `json:"correct"`
		Score   int    `json:"score"`
		Msg     string `json:"msg"`
	}{Correct: nil, Score: 0, Msg: msg})
	return string(b)
}
