// Package valueobject holds derived (never persisted) views over entity
// state: a human-readable lifecycle status and the failure-budget policy
// shared by the pull and maintenance paths.
package valueobject

import (
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// SubmissionStatus is a point-in-time label derived from a Submission's
// fields, never stored — the state machine itself lives on the entity.
type SubmissionStatus string

const (
	StatusQueued   SubmissionStatus = "queued"
	StatusPulled   SubmissionStatus = "pulled"
	StatusPushed   SubmissionStatus = "pushed"
	StatusGraded   SubmissionStatus = "graded"
	StatusOrphaned SubmissionStatus = "orphaned"
	StatusRetired  SubmissionStatus = "retired"
)

// DeriveStatus computes sub's current lifecycle label as of now, using
// orphanTimeout the same way entity.Submission.IsOrphan does. Intended for
// logging and operator-facing output; nothing in the dispatcher branches
// on it.
func DeriveStatus(sub *entity.Submission, now time.Time, orphanTimeout time.Duration) SubmissionStatus {
	switch {
	case sub.Retired && sub.GraderReply != "" && sub.LMSAck:
		return StatusGraded
	case sub.Retired:
		return StatusRetired
	case sub.IsOrphan(now, orphanTimeout):
		return StatusOrphaned
	case sub.PushTime != nil:
		return StatusPushed
	case sub.PullTime != nil:
		return StatusPulled
	default:
		return StatusQueued
	}
}

// FailurePolicy decides when a submission has exhausted its retry budget.
// Used by the pull interface's put_result handler; the
// retire_failed_submissions job selects rows with its own
// NumFailures >= MaxFailures comparison (repository FailedOverLimit).
type FailurePolicy struct {
	MaxFailures int
}

// ExceedsLimit reports whether numFailures has exceeded the configured
// budget. Strictly greater-than: a submission gets MaxFailures retries
// before being force-retired, matching the original's
// "num_failures > MAX_NUMBER_OF_FAILURES" comparison in
// queue/management/commands/retire_submissions.py.
func (p FailurePolicy) ExceedsLimit(numFailures int) bool {
	return numFailures > p.MaxFailures
}
