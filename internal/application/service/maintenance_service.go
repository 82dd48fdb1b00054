package service

import (
	"context"
	"errors"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/lmsclient"
)

// ErrInvalidChunkSize is returned by DeleteOldSubmissions when chunkSize is
// not positive.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// MaintenanceService implements the five background jobs of §4.6/§4.7:
// requeue stuck pulls, retire rows that failed too often, force-retire
// orphaned push submissions, prune old rows, and emit per-queue counts.
type MaintenanceService struct {
	repo   repository.SubmissionRepository
	lms    domainservice.LMSClient
	sink   domainservice.TelemetrySink
	alert  domainservice.AlertSink
	logger domainservice.Logger
}

// NewMaintenanceService creates a new maintenance service. alert may be nil,
// in which case force-retire batches are only logged, not emailed.
func NewMaintenanceService(repo repository.SubmissionRepository, lms domainservice.LMSClient, sink domainservice.TelemetrySink, alert domainservice.AlertSink, logger domainservice.Logger) *MaintenanceService {
	return &MaintenanceService{repo: repo, lms: lms, sink: sink, alert: alert, logger: logger}
}

// RequeuePulledSubmissions clears stuck in-flight pulls so a poller that
// crashed mid-grade doesn't strand its claim forever.
func (s *MaintenanceService) RequeuePulledSubmissions(ctx context.Context, queues []string, pullTimeout time.Duration, maxFailures int) (int, error) {
	olderThan := timeNow().Add(-pullTimeout)
	n, err := s.repo.RequeuePulled(ctx, queues, olderThan, maxFailures)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("requeued stuck pulled submissions", "count", n)
	}
	return n, nil
}

// RetireFailedSubmissions force-retires rows that have exhausted their
// retry budget. Unless force is set, it notifies the LMS of the failure
// as a courtesy before retiring; force skips the LMS callback entirely,
// for an operator who wants rows off the queue immediately without
// waiting on (or risking a hang against) the LMS.
func (s *MaintenanceService) RetireFailedSubmissions(ctx context.Context, queues []string, maxFailures int, force bool) (int, error) {
	subs, err := s.repo.FailedOverLimit(ctx, queues, maxFailures)
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		if force {
			sub.LMSAck = false
		} else {
			sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, lmsclient.FailurePayload())
		}
		sub.Retired = true
		now := timeNow()
		sub.ReturnTime = &now
		if err := s.repo.Update(ctx, sub); err != nil {
			s.logger.Error("failed to retire over-limit submission", "submission_id", sub.ID, "error", err)
			continue
		}
	}
	if len(subs) > 0 {
		s.logger.Warn("force-retired submissions over failure limit", "count", len(subs), "force", force)
		s.notifyAlert(ctx, "retire_failed_submissions", subs)
	}
	return len(subs), nil
}

// PushOrphanedSubmissions force-retires push submissions that were never
// picked up for delivery and never returned, past orphanTimeout. These
// never reach a worker, so RequeuePulled's pull_time check can't see them.
func (s *MaintenanceService) PushOrphanedSubmissions(ctx context.Context, queue string, orphanTimeout time.Duration) (int, error) {
	cutoff := timeNow().Add(-orphanTimeout)
	subs, err := s.repo.Orphaned(ctx, queue, cutoff)
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, lmsclient.FailurePayload())
		sub.Retired = true
		now := timeNow()
		sub.ReturnTime = &now
		if err := s.repo.Update(ctx, sub); err != nil {
			s.logger.Error("failed to retire orphaned submission", "submission_id", sub.ID, "error", err)
			continue
		}
	}
	if len(subs) > 0 {
		s.logger.Warn("force-retired orphaned push submissions", "queue_name", queue, "count", len(subs))
		s.notifyAlert(ctx, "push_orphaned_submissions", subs)
	}
	return len(subs), nil
}

// notifyAlert emails the operator about a force-retire batch, best-effort.
func (s *MaintenanceService) notifyAlert(ctx context.Context, reason string, subs []*entity.Submission) {
	if s.alert == nil {
		return
	}
	if err := s.alert.SendForceRetireAlert(ctx, reason, subs); err != nil {
		s.logger.Error("failed to send force-retire alert", "reason", reason, "error", err)
	}
}

// RetireOldSubmissions force-retires every unretired row in queue that
// arrived before cutoff (a zero Time means every unretired row in the
// queue), regardless of failure count. Unlike RetireFailedSubmissions this
// is an operator-triggered sweep, not a scheduled job: it exists for
// decommissioning a queue or clearing out a backlog predating a known
// incident.
func (s *MaintenanceService) RetireOldSubmissions(ctx context.Context, queue string, cutoff time.Time) (int, error) {
	subs, err := s.repo.UnretiredBefore(ctx, queue, cutoff)
	if err != nil {
		return 0, err
	}

	for _, sub := range subs {
		sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, lmsclient.FailurePayload())
		sub.Retired = true
		now := timeNow()
		sub.ReturnTime = &now
		if !sub.LMSAck {
			s.logger.Error("could not contact LMS to retire submission", "submission_id", sub.ID)
		}
		if err := s.repo.Update(ctx, sub); err != nil {
			s.logger.Error("failed to retire old submission", "submission_id", sub.ID, "error", err)
			continue
		}
	}
	if len(subs) > 0 {
		s.logger.Warn("force-retired old submissions", "queue_name", queue, "count", len(subs))
	}
	return len(subs), nil
}

// DeleteOldSubmissions removes rows (retired or not) that arrived at or
// before now minus retention, in bounded
// chunks of chunkSize, sleeping sleepBetween between chunks to avoid
// holding a long-running lock over a large backlog. chunkSize must be
// positive; sleepBetween of zero means no pause between chunks. Returns
// the total number of rows removed.
func (s *MaintenanceService) DeleteOldSubmissions(ctx context.Context, retention time.Duration, chunkSize int, sleepBetween time.Duration) (int, error) {
	if chunkSize <= 0 {
		return 0, ErrInvalidChunkSize
	}

	cutoff := timeNow().Add(-retention)
	total := 0
	for {
		n, err := s.repo.DeleteChunk(ctx, cutoff, chunkSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < chunkSize {
			break
		}
		if sleepBetween <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(sleepBetween):
		}
	}
	if total > 0 {
		s.logger.Info("deleted old submissions", "count", total)
	}
	return total, nil
}

// EmitQueueCounts reports the current unretired count of every queue to the
// configured telemetry sink.
func (s *MaintenanceService) EmitQueueCounts(ctx context.Context) error {
	counts, err := s.repo.QueueCounts(ctx)
	if err != nil {
		return err
	}
	return s.sink.EmitQueueCounts(ctx, counts)
}
