// Package worker declares the asynq task types used to wake push workers
// and to schedule the maintenance jobs.
package worker

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task type constants.
const (
	// TypePushWake asks a push worker to look at its queue now instead of
	// waiting out the rest of its poll interval. It carries no guarantee:
	// the database-poll select-and-stamp predicate is what's actually
	// correct, this is strictly a latency optimization layered on top.
	TypePushWake = "push:wake"

	TypeRequeuePulled     = "maintenance:requeue_pulled"
	TypeRetireFailed      = "maintenance:retire_failed"
	TypePushOrphaned      = "maintenance:push_orphaned"
	TypeDeleteOld         = "maintenance:delete_old"
	TypeCountQueued       = "maintenance:count_queued"
)

// Queue names for priority handling.
const (
	QueuePush        = "push"        // wake signals, low latency
	QueueMaintenance = "maintenance" // scheduled jobs
)

// PushWakePayload names the queue that has new pushable work.
type PushWakePayload struct {
	QueueName string `json:"queue_name"`
}

// NewPushWakeTask creates a wake-up task for a single push queue.
func NewPushWakeTask(queueName string) (*asynq.Task, error) {
	payload, err := json.Marshal(PushWakePayload{QueueName: queueName})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePushWake, payload, asynq.Queue(QueuePush), asynq.MaxRetry(0)), nil
}

// NewRequeuePulledTask creates the scheduled requeue_pulled_submissions task.
func NewRequeuePulledTask() *asynq.Task {
	return asynq.NewTask(TypeRequeuePulled, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}

// NewRetireFailedTask creates the scheduled retire_failed_submissions task.
func NewRetireFailedTask() *asynq.Task {
	return asynq.NewTask(TypeRetireFailed, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}

// NewPushOrphanedTask creates the scheduled push_orphaned_submissions task.
func NewPushOrphanedTask() *asynq.Task {
	return asynq.NewTask(TypePushOrphaned, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}

// NewDeleteOldTask creates the scheduled delete_old_submissions task.
func NewDeleteOldTask() *asynq.Task {
	return asynq.NewTask(TypeDeleteOld, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}

// NewCountQueuedTask creates the scheduled count_queued_submissions task.
func NewCountQueuedTask() *asynq.Task {
	return asynq.NewTask(TypeCountQueued, nil, asynq.Queue(QueueMaintenance), asynq.MaxRetry(1))
}
