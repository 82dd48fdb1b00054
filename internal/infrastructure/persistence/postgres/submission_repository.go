package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
)

const submissionColumns = `id, requester_id, lms_callback_url, queue_name, xqueue_header, xqueue_body, urls, keys, arrival_time, pull_time, push_time, return_time, grader_id, pull_key, grader_reply, num_failures, lms_ack, retired`

// SubmissionRepository implements repository.SubmissionRepository using
// PostgreSQL. Concurrent selection is serialized with SELECT ... FOR UPDATE
// SKIP LOCKED wrapped in an atomic UPDATE ... RETURNING, the claim pattern
// used throughout this codebase for handing out queued work exactly once.
type SubmissionRepository struct {
	db *sql.DB
}

// NewSubmissionRepository creates a new PostgreSQL submission repository.
func NewSubmissionRepository(db *sql.DB) repository.SubmissionRepository {
	return &SubmissionRepository{db: db}
}

func scanSubmission(scan func(dest ...interface{}) error) (*entity.Submission, error) {
	sub := &entity.Submission{}
	err := scan(
		&sub.ID,
		&sub.RequesterID,
		&sub.LMSCallbackURL,
		&sub.QueueName,
		&sub.XQueueHeader,
		&sub.XQueueBody,
		&sub.URLs,
		&sub.Keys,
		&sub.ArrivalTime,
		&sub.PullTime,
		&sub.PushTime,
		&sub.ReturnTime,
		&sub.GraderID,
		&sub.PullKey,
		&sub.GraderReply,
		&sub.NumFailures,
		&sub.LMSAck,
		&sub.Retired,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Create inserts sub, setting ID and ArrivalTime server-side.
func (r *SubmissionRepository) Create(ctx context.Context, sub *entity.Submission) error {
	query := `
		INSERT INTO submissions (requester_id, lms_callback_url, queue_name, xqueue_header, xqueue_body, urls, keys, arrival_time, num_failures, lms_ack, retired)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), 0, false, false)
		RETURNING id, arrival_time
	`
	err := r.db.QueryRowContext(ctx, query,
		sub.RequesterID,
		sub.LMSCallbackURL,
		sub.QueueName,
		sub.XQueueHeader,
		sub.XQueueBody,
		sub.URLs,
		sub.Keys,
	).Scan(&sub.ID, &sub.ArrivalTime)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	sub.NumFailures = 0
	sub.LMSAck = false
	sub.Retired = false
	return nil
}

// Get returns the submission with the given id, or (nil, nil) if missing.
func (r *SubmissionRepository) Get(ctx context.Context, id int64) (*entity.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return sub, nil
}

// InvalidatePrior atomically retires every unretired row matching url. This
// bounds DoS via repeated resubmission: at most one unretired row per
// lms_callback_url survives an intake.
func (r *SubmissionRepository) InvalidatePrior(ctx context.Context, lmsCallbackURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE submissions SET retired = true WHERE lms_callback_url = $1 AND retired = false`,
		lmsCallbackURL,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate prior submissions: %w", err)
	}
	return nil
}

// NextPullable atomically claims the oldest eligible row in queue and stamps
// PullTime/PullKey/GraderID in the same statement, so two concurrent callers
// can never claim the same row. PullKey is derived from pullKeySeed and the
// claimed row's own id (referenced from within its own SET clause), so the
// key cannot be computed before the row is known yet is still stamped in
// the same atomic UPDATE as the claim.
func (r *SubmissionRepository) NextPullable(ctx context.Context, queue string, now time.Time, delta time.Duration, pullKeySeed, graderID string) (*entity.Submission, error) {
	query := `
		UPDATE submissions
		SET pull_time = $1, pull_key = md5($2 || id::text), grader_id = $3
		WHERE id = (
			SELECT id FROM submissions
			WHERE queue_name = $4 AND retired = false
			  AND (pull_time IS NULL OR pull_time <= $5)
			ORDER BY arrival_time ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + submissionColumns
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, query, now, pullKeySeed, graderID, queue, now.Add(-delta)).Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to claim next pullable submission: %w", err)
	}
	return sub, nil
}

// NextPushable is the symmetric claim operation on PushTime.
func (r *SubmissionRepository) NextPushable(ctx context.Context, queue string, now time.Time, delta time.Duration, graderID string) (*entity.Submission, error) {
	query := `
		UPDATE submissions
		SET push_time = $1, grader_id = $2
		WHERE id = (
			SELECT id FROM submissions
			WHERE queue_name = $3 AND retired = false
			  AND (push_time IS NULL OR push_time <= $4)
			ORDER BY arrival_time ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + submissionColumns
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, query, now, graderID, queue, now.Add(-delta)).Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to claim next pushable submission: %w", err)
	}
	return sub, nil
}

// QueueLength counts unretired rows in queue eligible under the pull
// predicate, the definition shared by the pull interface and the metrics
// job.
func (r *SubmissionRepository) QueueLength(ctx context.Context, queue string, now time.Time, delta time.Duration) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE queue_name = $1 AND retired = false AND (pull_time IS NULL OR pull_time <= $2)`,
		queue, now.Add(-delta),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue length: %w", err)
	}
	return count, nil
}

// QueueCounts returns unretired counts per queue, descending.
func (r *SubmissionRepository) QueueCounts(ctx context.Context) ([]entity.QueueCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT queue_name, COUNT(*) FROM submissions WHERE retired = false GROUP BY queue_name ORDER BY COUNT(*) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count queues: %w", err)
	}
	defer rows.Close()

	var counts []entity.QueueCount
	for rows.Next() {
		var c entity.QueueCount
		if err := rows.Scan(&c.QueueName, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// Update writes the mutable fields of sub. The WHERE clause makes the
// retire bit monotonic: a row already retired by another actor is left
// untouched.
func (r *SubmissionRepository) Update(ctx context.Context, sub *entity.Submission) error {
	query := `
		UPDATE submissions
		SET pull_time = $1, push_time = $2, return_time = $3, grader_id = $4,
		    pull_key = $5, grader_reply = $6, num_failures = $7, lms_ack = $8,
		    retired = $9, urls = $10, keys = $11
		WHERE id = $12 AND retired = false
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.PullTime,
		sub.PushTime,
		sub.ReturnTime,
		sub.GraderID,
		sub.PullKey,
		sub.GraderReply,
		sub.NumFailures,
		sub.LMSAck,
		sub.Retired,
		sub.URLs,
		sub.Keys,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission: %w", err)
	}
	return nil
}

// RequeuePulled increments NumFailures on every unretired, timed-out pull in
// queues (nil/empty means all queues) and clears PullTime/PullKey only on
// the rows that remain under maxFailures, leaving GraderID untouched.
func (r *SubmissionRepository) RequeuePulled(ctx context.Context, queues []string, olderThan time.Time, maxFailures int) (int, error) {
	var queueFilter interface{}
	if len(queues) > 0 {
		queueFilter = pq.Array(queues)
	}

	query := `
		UPDATE submissions
		SET num_failures = num_failures + 1,
		    pull_time = CASE WHEN num_failures + 1 < $1 THEN NULL ELSE pull_time END,
		    pull_key  = CASE WHEN num_failures + 1 < $1 THEN ''   ELSE pull_key  END
		WHERE retired = false
		  AND pull_time IS NOT NULL AND pull_time < $2
		  AND ($3::text[] IS NULL OR queue_name = ANY($3))
	`
	res, err := r.db.ExecContext(ctx, query, maxFailures, olderThan, queueFilter)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue pulled submissions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read requeue result: %w", err)
	}
	return int(n), nil
}

// FailedOverLimit returns unretired rows in queues (all queues if empty)
// whose NumFailures has reached maxFailures, for the retire job.
func (r *SubmissionRepository) FailedOverLimit(ctx context.Context, queues []string, maxFailures int) ([]*entity.Submission, error) {
	var queueFilter interface{}
	if len(queues) > 0 {
		queueFilter = pq.Array(queues)
	}

	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE retired = false AND num_failures >= $1
		  AND ($2::text[] IS NULL OR queue_name = ANY($2))
		ORDER BY arrival_time ASC
	`
	rows, err := r.db.QueryContext(ctx, query, maxFailures, queueFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed-over-limit submissions: %w", err)
	}
	defer rows.Close()

	var subs []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Orphaned returns unretired rows in queue that arrived before cutoff and
// were never picked up by any worker.
func (r *SubmissionRepository) Orphaned(ctx context.Context, queue string, cutoff time.Time) ([]*entity.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE queue_name = $1 AND retired = false
		  AND push_time IS NULL AND return_time IS NULL
		  AND arrival_time < $2
		ORDER BY arrival_time ASC
	`
	rows, err := r.db.QueryContext(ctx, query, queue, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned submissions: %w", err)
	}
	defer rows.Close()

	var subs []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UnretiredBefore returns unretired rows in queue, optionally limited to
// ArrivalTime <= before when before is non-zero.
func (r *SubmissionRepository) UnretiredBefore(ctx context.Context, queue string, before time.Time) ([]*entity.Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions
		WHERE queue_name = $1 AND retired = false
		  AND ($2::timestamptz IS NULL OR arrival_time <= $2)
		ORDER BY arrival_time ASC
	`
	var beforeArg interface{}
	if !before.IsZero() {
		beforeArg = before
	}
	rows, err := r.db.QueryContext(ctx, query, queue, beforeArg)
	if err != nil {
		return nil, fmt.Errorf("failed to list unretired submissions: %w", err)
	}
	defer rows.Close()

	var subs []*entity.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteChunk deletes at most chunkSize rows with ArrivalTime <= cutoff in a
// single transaction and returns the number removed.
func (r *SubmissionRepository) DeleteChunk(ctx context.Context, cutoff time.Time, chunkSize int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM submissions WHERE id IN (SELECT id FROM submissions WHERE arrival_time <= $1 LIMIT $2)`,
		cutoff, chunkSize,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete submission chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}
	return int(n), nil
}
