// Package service declares the narrow interfaces the application layer
// depends on; infrastructure packages provide the concrete implementations.
package service

import (
	"context"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// Logger abstracts structured logging operations.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a new logger with the given key-value pairs attached to
	// every subsequent entry.
	With(args ...any) Logger

	// WithContext returns a new logger carrying request/trace fields found
	// on ctx, if any.
	WithContext(ctx context.Context) Logger
}

// BlobStore is the object-store abstraction used for uploaded files and for
// oversized URLs/Keys mappings. Paths are of the form "<queue_name>/<key>".
type BlobStore interface {
	Save(ctx context.Context, path string, content []byte, contentType string) error
	URL(ctx context.Context, path string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// GraderClient delivers a submission to a grading backend and returns its
// reply. Implementations: an HTTP client for real graders, a canned stub,
// and a gobreaker-wrapped decorator for production push dispatch.
type GraderClient interface {
	// Grade POSTs payload to the grader and returns its raw reply. ok is
	// false on any non-2xx response, connection error, or timeout; reply
	// then holds whatever diagnostic text is available.
	Grade(ctx context.Context, graderURL string, payload GraderPayload, timeout time.Duration) (ok bool, reply string, err error)
}

// GraderPayload is what is POSTed to a grader.
type GraderPayload struct {
	XQueueBody  string            `json:"xqueue_body"`
	XQueueFiles map[string]string `json:"xqueue_files"`
}

// LMSClient posts verdicts back to the LMS with bounded retries.
type LMSClient interface {
	// PostVerdict delivers {xqueue_header: header, xqueue_body: body} to
	// the lms_callback_url embedded in header. Returns true iff the LMS
	// acknowledged with a 2xx response within the retry budget.
	PostVerdict(ctx context.Context, header, body string) bool
}

// TelemetrySink receives per-queue submission counts from the metrics job.
type TelemetrySink interface {
	EmitQueueCounts(ctx context.Context, counts []entity.QueueCount) error
}

// PushWaker asks a push queue's worker to check for new work now instead of
// waiting out its poll interval. Purely a latency optimization: dropping a
// wake signal only costs up to one poll interval of extra latency, never
// correctness.
type PushWaker interface {
	WakePushQueue(queueName string) error
}

// AlertSink notifies an operator when a maintenance job force-retires a
// batch of submissions. Best-effort: a failure here never rolls back the
// retiring itself.
type AlertSink interface {
	SendForceRetireAlert(ctx context.Context, reason string, subs []*entity.Submission) error
}
