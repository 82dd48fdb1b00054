package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	appservice "github.com/sogos/xqueue-dispatch/internal/application/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/worker"
)

// Server wraps the Asynq server and scheduler for background job
// processing: push-wake delivery and the periodic maintenance jobs.
type Server struct {
	server       *asynq.Server
	scheduler    *asynq.Scheduler
	mux          *asynq.ServeMux
	handlers     *Handlers
	queues       map[string]entity.QueueConfig
	pollInterval time.Duration
	logger       domainservice.Logger
}

// NewServer creates a new Asynq worker server with all handlers registered.
// pollInterval is the push worker's periodic wake-up cadence (falls back to
// the intake-triggered wake for lower latency, but guarantees forward
// progress even if a wake signal is dropped).
func NewServer(
	redisAddr string,
	pushService *appservice.PushDispatchService,
	maintenanceService *appservice.MaintenanceService,
	queues map[string]entity.QueueConfig,
	pollInterval, pullTimeout, orphanTimeout, retention time.Duration,
	maxFailures int,
	logger domainservice.Logger,
) *Server {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				worker.QueuePush:        3,
				worker.QueueMaintenance: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: redisAddr},
		&asynq.SchedulerOpts{
			Logger: &asynqLogger{logger: logger},
		},
	)

	handlers := NewHandlers(pushService, maintenanceService, queues, pullTimeout, orphanTimeout, retention, maxFailures, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TypePushWake, handlers.HandlePushWake)
	mux.HandleFunc(worker.TypeRequeuePulled, handlers.HandleRequeuePulled)
	mux.HandleFunc(worker.TypeRetireFailed, handlers.HandleRetireFailed)
	mux.HandleFunc(worker.TypePushOrphaned, handlers.HandlePushOrphaned)
	mux.HandleFunc(worker.TypeDeleteOld, handlers.HandleDeleteOld)
	mux.HandleFunc(worker.TypeCountQueued, handlers.HandleCountQueued)

	return &Server{
		server:       server,
		scheduler:    scheduler,
		mux:          mux,
		handlers:     handlers,
		queues:       queues,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run starts the Asynq server and scheduler. Blocks until the server is
// shut down.
func (s *Server) Run() error {
	s.logger.Info("starting asynq worker server")

	schedule := fmt.Sprintf("@every %s", s.pollInterval)
	for name, q := range s.queues {
		if !q.IsPush() {
			continue
		}
		task, err := worker.NewPushWakeTask(name)
		if err != nil {
			return err
		}
		if _, err := s.scheduler.Register(schedule, task); err != nil {
			s.logger.Error("failed to register push wake schedule", "queue_name", name, "error", err)
			return err
		}
		s.logger.Info("registered push wake schedule", "queue_name", name, "schedule", schedule)
	}

	if _, err := s.scheduler.Register("@every 1m", worker.NewRequeuePulledTask()); err != nil {
		s.logger.Error("failed to register requeue pulled schedule", "error", err)
		return err
	}
	if _, err := s.scheduler.Register("@every 5m", worker.NewRetireFailedTask()); err != nil {
		s.logger.Error("failed to register retire failed schedule", "error", err)
		return err
	}
	if _, err := s.scheduler.Register("@every 5m", worker.NewPushOrphanedTask()); err != nil {
		s.logger.Error("failed to register push orphaned schedule", "error", err)
		return err
	}
	if _, err := s.scheduler.Register("@every 1h", worker.NewDeleteOldTask()); err != nil {
		s.logger.Error("failed to register delete old schedule", "error", err)
		return err
	}
	if _, err := s.scheduler.Register("@every 1m", worker.NewCountQueuedTask()); err != nil {
		s.logger.Error("failed to register count queued schedule", "error", err)
		return err
	}

	go func() {
		if err := s.scheduler.Run(); err != nil {
			s.logger.Error("scheduler error", "error", err)
		}
	}()

	return s.server.Run(s.mux)
}

// Shutdown gracefully stops the server and scheduler.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down asynq worker server")
	s.scheduler.Shutdown()
	s.server.Shutdown()
}

// asynqLogger adapts our logger to Asynq's logger interface.
type asynqLogger struct {
	logger domainservice.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug("asynq", "msg", args) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info("asynq", "msg", args) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn("asynq", "msg", args) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error("asynq", "msg", args) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error("asynq fatal", "msg", args) }
