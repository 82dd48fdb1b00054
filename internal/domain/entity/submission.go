// Package entity holds the core domain types of the submission lifecycle
// engine.
package entity

import "time"

// Submission is the single persistent entity of the dispatcher. It is the
// join point of intake, the pull interface, the push worker pool, the LMS
// callback client, and every maintenance job; the state machine lives on
// its fields rather than on a separate status column.
type Submission struct {
	ID int64

	RequesterID     string
	LMSCallbackURL  string // truncated to 128 chars on intake; dedup key
	QueueName       string // must be one of the configured queue names at intake time
	XQueueHeader    string // opaque JSON, passed through unchanged to grader and LMS
	XQueueBody      string // opaque student payload

	// URLs and Keys map uploaded file name to (public URL / storage key).
	// When the serialized JSON would exceed the persisted-column limit,
	// both are replaced by the sentinel pair described by
	// ExternalDictSentinelKey and the real mapping is pushed to the blob
	// store instead.
	URLs string
	Keys string

	ArrivalTime time.Time
	PullTime    *time.Time
	PushTime    *time.Time
	ReturnTime  *time.Time

	GraderID    string // caller IP for pull, configured grader URL for push
	PullKey     string // secret nonce issued at pull; required to authenticate put_result
	GraderReply string

	NumFailures int
	LMSAck      bool
	Retired     bool
}

// MaxFieldLen is the truncation length applied to LMSCallbackURL on
// intake. QueueName is not truncated; it must name a configured queue.
const MaxFieldLen = 128

// MaxDictColumnLen is the persisted-column size above which URLs/Keys are
// replaced by the external-dict sentinel and pushed to the blob store.
const MaxDictColumnLen = 1024

// ExternalDictSentinelKey is the field name a serialized URLs mapping is
// replaced with once it no longer fits the persisted column. The Keys
// mapping uses the companion name "KEY_FOR_EXTERNAL_DICTS".
const ExternalDictSentinelKey = "URL_FOR_EXTERNAL_DICTS"

// IsPullable reports whether the submission is currently eligible to be
// handed out by next_pullable: unretired, and either never pulled or pulled
// long enough ago that the grace period Δ has elapsed.
func (s *Submission) IsPullable(now time.Time, delta time.Duration) bool {
	if s.Retired {
		return false
	}
	return s.PullTime == nil || s.PullTime.Add(delta).Before(now) || s.PullTime.Add(delta).Equal(now)
}

// IsPushable is the symmetric predicate on PushTime.
func (s *Submission) IsPushable(now time.Time, delta time.Duration) bool {
	if s.Retired {
		return false
	}
	return s.PushTime == nil || s.PushTime.Add(delta).Before(now) || s.PushTime.Add(delta).Equal(now)
}

// IsOrphan reports whether the submission arrived but was never picked up
// by any worker and is older than timeout.
func (s *Submission) IsOrphan(now time.Time, timeout time.Duration) bool {
	if s.Retired || s.PushTime != nil || s.ReturnTime != nil {
		return false
	}
	return now.Sub(s.ArrivalTime) > timeout
}
