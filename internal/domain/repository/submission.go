// Package repository declares the submission store contract; postgres is
// the only implementation.
package repository

import (
	"context"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// SubmissionRepository exposes strictly the selection operations the rest
// of the core needs. next_pullable/next_pushable must not return the same
// row to two concurrent callers.
type SubmissionRepository interface {
	// Create inserts sub and fills in ID and ArrivalTime. Retired=false,
	// NumFailures=0, LMSAck=false are set server-side.
	Create(ctx context.Context, sub *entity.Submission) error

	// Get returns the submission with the given id, or (nil, nil) if no
	// such row exists.
	Get(ctx context.Context, id int64) (*entity.Submission, error)

	// InvalidatePrior atomically retires every unretired row whose
	// LMSCallbackURL equals url.
	InvalidatePrior(ctx context.Context, lmsCallbackURL string) error

	// NextPullable atomically selects, locks, and stamps (PullTime,
	// PullKey derived from pullKeySeed and the claimed row's own id,
	// GraderID) on the oldest unretired row in queue eligible under the
	// pull predicate, or returns (nil, nil) if none is eligible.
	NextPullable(ctx context.Context, queue string, now time.Time, delta time.Duration, pullKeySeed, graderID string) (*entity.Submission, error)

	// NextPushable is the symmetric operation on PushTime.
	NextPushable(ctx context.Context, queue string, now time.Time, delta time.Duration, graderID string) (*entity.Submission, error)

	// QueueLength counts unretired rows in queue eligible under the pull
	// predicate (the definition used by both the pull interface and the
	// metrics job).
	QueueLength(ctx context.Context, queue string, now time.Time, delta time.Duration) (int, error)

	// QueueCounts returns unretired counts for every queue, descending by
	// count, for the metrics job.
	QueueCounts(ctx context.Context) ([]entity.QueueCount, error)

	// Update persists the mutable fields of sub. Refuses to overwrite a
	// row that is already retired, whatever sub holds (the retire bit is
	// monotonic); last-writer-wins otherwise.
	Update(ctx context.Context, sub *entity.Submission) error

	// RequeuePulled increments NumFailures on every unretired row in
	// queues (all queues if empty) whose PullTime is older than olderThan,
	// and clears PullTime/PullKey (leaving GraderID untouched, per design)
	// on those whose incremented NumFailures is still below maxFailures.
	// Rows that reach maxFailures keep PullTime/PullKey and are left for
	// the retire job. Returns the number of rows updated.
	RequeuePulled(ctx context.Context, queues []string, olderThan time.Time, maxFailures int) (int, error)

	// FailedOverLimit returns unretired rows in queues (all queues if
	// empty) with NumFailures >= maxFailures, for the retire job.
	FailedOverLimit(ctx context.Context, queues []string, maxFailures int) ([]*entity.Submission, error)

	// Orphaned returns unretired rows in queue with PushTime and
	// ReturnTime both null whose ArrivalTime predates cutoff.
	Orphaned(ctx context.Context, queue string, cutoff time.Time) ([]*entity.Submission, error)

	// DeleteChunk deletes at most chunkSize rows with ArrivalTime <= cutoff
	// in a single transaction and returns the number removed. The caller
	// (the delete_old_submissions job) loops and sleeps between calls
	// until it returns fewer than chunkSize.
	DeleteChunk(ctx context.Context, cutoff time.Time, chunkSize int) (int, error)

	// UnretiredBefore returns unretired rows in queue, optionally limited
	// to ArrivalTime <= before (a zero Time means no limit), for the
	// operator-driven retire_old_submissions job.
	UnretiredBefore(ctx context.Context, queue string, before time.Time) ([]*entity.Submission, error)
}
