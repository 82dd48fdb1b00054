package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	appservice "github.com/sogos/xqueue-dispatch/internal/application/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/worker"
)

// deleteOldChunkSize and deleteOldChunkSleep bound the scheduled
// delete_old_submissions sweep the same way the xqueuectl CLI's defaults do;
// the cron job has no per-run flag to override them.
const (
	deleteOldChunkSize  = 1000
	deleteOldChunkSleep = 100 * time.Millisecond
)

// Handlers contains all Asynq task handlers for the push and maintenance
// queues.
type Handlers struct {
	pushService        *appservice.PushDispatchService
	maintenanceService *appservice.MaintenanceService
	queues             map[string]entity.QueueConfig
	pullTimeout        time.Duration
	orphanTimeout      time.Duration
	retention          time.Duration
	maxFailures        int
	logger             domainservice.Logger
}

// NewHandlers creates a new Handlers instance with all required services.
func NewHandlers(
	pushService *appservice.PushDispatchService,
	maintenanceService *appservice.MaintenanceService,
	queues map[string]entity.QueueConfig,
	pullTimeout, orphanTimeout, retention time.Duration,
	maxFailures int,
	logger domainservice.Logger,
) *Handlers {
	return &Handlers{
		pushService:        pushService,
		maintenanceService: maintenanceService,
		queues:             queues,
		pullTimeout:        pullTimeout,
		orphanTimeout:      orphanTimeout,
		retention:          retention,
		maxFailures:        maxFailures,
		logger:             logger,
	}
}

// pushQueueNames returns the names of the configured queues operating in
// push mode.
func (h *Handlers) pushQueueNames() []string {
	names := make([]string, 0, len(h.queues))
	for name, q := range h.queues {
		if q.IsPush() {
			names = append(names, name)
		}
	}
	return names
}

// HandlePushWake attempts one push delivery on the named queue. The
// database-poll select-and-stamp predicate in NextPushable is what's
// actually correct here; this handler is strictly a latency optimization
// layered on top of the scheduler's periodic wake.
func (h *Handlers) HandlePushWake(ctx context.Context, t *asynq.Task) error {
	var payload worker.PushWakePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal push wake payload: %w", asynq.SkipRetry)
	}

	q, ok := h.queues[payload.QueueName]
	if !ok || !q.IsPush() {
		return nil
	}

	log := h.logger.With("task", worker.TypePushWake, "queue_name", payload.QueueName)

	dispatched, err := h.pushService.DispatchNext(ctx, payload.QueueName, q.GraderURL)
	if err != nil {
		log.Error("push dispatch failed", "error", err)
		return err
	}
	if dispatched {
		log.Debug("dispatched one push submission")
	}
	return nil
}

// HandleRequeuePulled clears pull claims that were never followed by a
// put_result within the configured pull timeout.
func (h *Handlers) HandleRequeuePulled(ctx context.Context, t *asynq.Task) error {
	log := h.logger.With("task", worker.TypeRequeuePulled)
	n, err := h.maintenanceService.RequeuePulledSubmissions(ctx, nil, h.pullTimeout, h.maxFailures)
	if err != nil {
		log.Error("requeue pulled submissions failed", "error", err)
		return err
	}
	if n > 0 {
		log.Info("requeue pulled submissions completed", "count", n)
	}
	return nil
}

// HandleRetireFailed force-retires submissions that exhausted their retry
// budget.
func (h *Handlers) HandleRetireFailed(ctx context.Context, t *asynq.Task) error {
	log := h.logger.With("task", worker.TypeRetireFailed)
	n, err := h.maintenanceService.RetireFailedSubmissions(ctx, nil, h.maxFailures, false)
	if err != nil {
		log.Error("retire failed submissions failed", "error", err)
		return err
	}
	if n > 0 {
		log.Info("retire failed submissions completed", "count", n)
	}
	return nil
}

// HandlePushOrphaned force-retires push submissions that were never picked
// up for delivery and never returned, across every configured push queue.
func (h *Handlers) HandlePushOrphaned(ctx context.Context, t *asynq.Task) error {
	log := h.logger.With("task", worker.TypePushOrphaned)
	total := 0
	for _, name := range h.pushQueueNames() {
		n, err := h.maintenanceService.PushOrphanedSubmissions(ctx, name, h.orphanTimeout)
		if err != nil {
			log.Error("push orphaned submissions failed", "queue_name", name, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		log.Info("push orphaned submissions completed", "count", total)
	}
	return nil
}

// HandleDeleteOld prunes submissions past the retention window, retired or
// not.
func (h *Handlers) HandleDeleteOld(ctx context.Context, t *asynq.Task) error {
	log := h.logger.With("task", worker.TypeDeleteOld)
	n, err := h.maintenanceService.DeleteOldSubmissions(ctx, h.retention, deleteOldChunkSize, deleteOldChunkSleep)
	if err != nil {
		log.Error("delete old submissions failed", "error", err)
		return err
	}
	if n > 0 {
		log.Info("delete old submissions completed", "count", n)
	}
	return nil
}

// HandleCountQueued emits the current per-queue unretired counts to the
// configured telemetry sink.
func (h *Handlers) HandleCountQueued(ctx context.Context, t *asynq.Task) error {
	log := h.logger.With("task", worker.TypeCountQueued)
	if err := h.maintenanceService.EmitQueueCounts(ctx); err != nil {
		log.Error("count queued submissions failed", "error", err)
		return err
	}
	return nil
}
