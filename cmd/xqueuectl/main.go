// Command xqueuectl runs the one-shot and long-running maintenance jobs of
// §4.6/§4.7 outside the request path, the Go stand-in for the original
// implementation's Django management commands (requeue_pulled_submissions,
// retire_failed_submissions, retire_old_submissions, push_orphaned_submissions,
// delete_old_submissions, count_queued_submissions, update_users, run_consumer).
//
// The long-running server already schedules these jobs on its own asynq
// cron (see internal/infrastructure/worker); xqueuectl exists for an
// operator to trigger one out of band, or to run the push dispatch loop
// standalone without asynq/Redis in a minimal deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/application/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/alert"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/auth"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/config"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/grader"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/lmsclient"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/logging"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/persistence/postgres"
	"github.com/sogos/xqueue-dispatch/pkg/httputil"
	"github.com/sogos/xqueue-dispatch/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger, err := logging.New(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := postgres.NewDB(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := postgres.NewSubmissionRepository(db.DB)
	lmsClient := lmsclient.NewClient(httputil.New(cfg.RequestsTimeout, httputil.BasicAuth{
		Username: cfg.BasicAuthUsername,
		Password: cfg.BasicAuthPassword,
	}), logger)

	var alertSink domainservice.AlertSink
	if cfg.AdminEmail != "" && cfg.SMTPHost != "" {
		alertSink = alert.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword, cfg.AdminEmail)
	}
	telemetrySink := &telemetry.MultiSink{Sinks: []telemetry.Sink{&telemetry.StdoutSink{Out: os.Stdout}}}
	maintenance := service.NewMaintenanceService(repo, lmsClient, telemetrySink, alertSink, logger)

	ctx := context.Background()
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "count_queued_submissions":
		runCountQueuedSubmissions(ctx, maintenance, logger)
	case "delete_old_submissions":
		runDeleteOldSubmissions(ctx, args, maintenance, cfg, logger)
	case "requeue_pulled_submissions":
		runRequeuePulledSubmissions(ctx, args, maintenance, cfg, logger)
	case "retire_failed_submissions":
		runRetireFailedSubmissions(ctx, args, maintenance, cfg, logger)
	case "retire_old_submissions":
		runRetireOldSubmissions(ctx, args, maintenance, logger)
	case "push_orphaned_submissions":
		runPushOrphanedSubmissions(ctx, args, maintenance, cfg, logger)
	case "update_users":
		runUpdateUsers(cfg, logger)
	case "run_consumer":
		runConsumer(repo, lmsClient, cfg, logger)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: xqueuectl <command> [flags]

commands:
  count_queued_submissions
  delete_old_submissions    [--days-old N] [--chunk-size N] [--sleep-between DURATION]
  requeue_pulled_submissions [queue_name ...]
  retire_failed_submissions [-f|--force] [queue_name ...]
  retire_old_submissions    <queue_name> [--retire-before RFC3339]
  push_orphaned_submissions <queue_name ...>
  update_users
  run_consumer`)
}

func runCountQueuedSubmissions(ctx context.Context, m *service.MaintenanceService, logger domainservice.Logger) {
	if err := m.EmitQueueCounts(ctx); err != nil {
		logger.Error("failed to emit queue counts", "error", err)
		os.Exit(1)
	}
}

func runDeleteOldSubmissions(ctx context.Context, args []string, m *service.MaintenanceService, cfg *config.Config, logger domainservice.Logger) {
	fs := flag.NewFlagSet("delete_old_submissions", flag.ExitOnError)
	daysOld := fs.Int("days-old", int(cfg.SubmissionRetention/(24*time.Hour)), "how many days of submissions to keep")
	chunkSize := fs.Int("chunk-size", 1000, "rows to delete per transaction (must be positive)")
	sleepBetween := fs.Duration("sleep-between", 100*time.Millisecond, "pause between delete chunks")
	fs.Parse(args)

	n, err := m.DeleteOldSubmissions(ctx, time.Duration(*daysOld)*24*time.Hour, *chunkSize, *sleepBetween)
	if err != nil {
		if errors.Is(err, service.ErrInvalidChunkSize) {
			logger.Error("delete_old_submissions: invalid --chunk-size", "chunk_size", *chunkSize, "error", err)
			os.Exit(2)
		}
		logger.Error("delete_old_submissions failed", "error", err)
		os.Exit(1)
	}
	logger.Info("delete_old_submissions finished", "deleted", n)
}

func runRequeuePulledSubmissions(ctx context.Context, args []string, m *service.MaintenanceService, cfg *config.Config, logger domainservice.Logger) {
	n, err := m.RequeuePulledSubmissions(ctx, args, cfg.PullTimeout, cfg.MaxFailures)
	if err != nil {
		logger.Error("requeue_pulled_submissions failed", "error", err)
		os.Exit(1)
	}
	logger.Info("requeue_pulled_submissions finished", "requeued", n)
}

func runRetireFailedSubmissions(ctx context.Context, args []string, m *service.MaintenanceService, cfg *config.Config, logger domainservice.Logger) {
	fs := flag.NewFlagSet("retire_failed_submissions", flag.ExitOnError)
	force := fs.Bool("force", false, "retire without contacting the LMS")
	fs.BoolVar(force, "f", false, "shorthand for --force")
	fs.Parse(args)

	n, err := m.RetireFailedSubmissions(ctx, fs.Args(), cfg.MaxFailures, *force)
	if err != nil {
		logger.Error("retire_failed_submissions failed", "error", err)
		os.Exit(1)
	}
	logger.Info("retire_failed_submissions finished", "retired", n, "force", *force)
}

func runRetireOldSubmissions(ctx context.Context, args []string, m *service.MaintenanceService, logger domainservice.Logger) {
	fs := flag.NewFlagSet("retire_old_submissions", flag.ExitOnError)
	retireBefore := fs.String("retire-before", "", "RFC3339 timestamp; only submissions that arrived before this are retired (default: all)")
	// The queue name may come before or after the flags.
	var queue string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		queue, args = args[0], args[1:]
	}
	fs.Parse(args)
	if queue == "" && fs.NArg() == 1 {
		queue = fs.Arg(0)
	} else if queue == "" || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "retire_old_submissions requires exactly one queue_name argument")
		os.Exit(2)
	}

	var cutoff time.Time
	if *retireBefore != "" {
		var err error
		cutoff, err = time.Parse(time.RFC3339, *retireBefore)
		if err != nil {
			fmt.Fprintln(os.Stderr, "unable to parse --retire-before:", err)
			os.Exit(2)
		}
	}

	n, err := m.RetireOldSubmissions(ctx, queue, cutoff)
	if err != nil {
		logger.Error("retire_old_submissions failed", "error", err)
		os.Exit(1)
	}
	logger.Info("retire_old_submissions finished", "queue_name", queue, "retired", n)
}

func runPushOrphanedSubmissions(ctx context.Context, args []string, m *service.MaintenanceService, cfg *config.Config, logger domainservice.Logger) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "push_orphaned_submissions requires at least one queue_name argument")
		os.Exit(2)
	}
	for _, queue := range args {
		n, err := m.PushOrphanedSubmissions(ctx, queue, cfg.OrphanTimeout)
		if err != nil {
			logger.Error("push_orphaned_submissions failed", "queue_name", queue, "error", err)
			os.Exit(1)
		}
		logger.Info("push_orphaned_submissions finished", "queue_name", queue, "pushed", n)
	}
}

// runUpdateUsers reconciles the configured XQUEUE_USERS list, bcrypt-hashing
// any plaintext entries, and prints the equivalent env var value so the
// operator can persist the hashed form. Accounts here are config-driven
// (there is no users table this command writes to), so "updating" a user
// means updating the deployment's XQUEUE_USERS secret with the printed
// output, the closest Go analogue of the original's database upsert.
func runUpdateUsers(cfg *config.Config, logger domainservice.Logger) {
	if len(cfg.Users) == 0 {
		logger.Warn("no users configured in XQUEUE_USERS")
		return
	}
	store, err := auth.NewAccountStore(cfg.Users)
	if err != nil {
		logger.Error("failed to reconcile users", "error", err)
		os.Exit(1)
	}
	pairs := make([]string, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		hash, ok := store.Hash(u.Username)
		if !ok {
			continue
		}
		pairs = append(pairs, u.Username+":"+hash)
	}
	fmt.Println(strings.Join(pairs, ","))
}

// runConsumer runs the push dispatch loop for every configured push queue
// directly against the database, without asynq/Redis: one goroutine per
// queue polling PushDispatchService.DispatchNext on ConsumerPollInterval,
// restarted automatically if it panics. This mirrors the original
// run_consumer command's one-worker-process-per-queue-with-supervisor-
// restart design, translated to goroutines since Go has no equivalent of
// Python's multiprocessing Worker/exitcode model; the asynq-backed worker
// server run by cmd/server covers the same ground for a full deployment.
func runConsumer(repo repository.SubmissionRepository, lmsClient domainservice.LMSClient, cfg *config.Config, logger domainservice.Logger) {
	pushQueues := make([]string, 0, len(cfg.Queues))
	for name, q := range cfg.Queues {
		if q.IsPush() {
			pushQueues = append(pushQueues, name)
		}
	}
	if len(pushQueues) == 0 {
		logger.Warn("run_consumer: no push queues configured, nothing to do")
		return
	}

	graderClient := grader.NewBreakerClient(grader.NewHTTPClient(httputil.New(cfg.RequestsTimeout, httputil.BasicAuth{
		Username: cfg.BasicAuthUsername,
		Password: cfg.BasicAuthPassword,
	})))
	pushService := service.NewPushDispatchService(repo, graderClient, lmsClient, cfg.ProcessingDelay, cfg.GradingTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("run_consumer: shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, name := range pushQueues {
		wg.Add(1)
		go superviseWorker(ctx, &wg, name, cfg.Queues[name].GraderURL, cfg.ConsumerPollInterval, cfg.MonitorSleep, pushService, logger)
	}
	wg.Wait()
	logger.Info("run_consumer: all workers finished")
}

// superviseWorker polls one push queue until ctx is cancelled, restarting
// the poll loop after MonitorSleep if it panics — the goroutine analogue of
// the original's process-exitcode monitor/restart loop.
func superviseWorker(ctx context.Context, wg *sync.WaitGroup, queueName, graderURL string, pollInterval, monitorSleep time.Duration, pushService *service.PushDispatchService, logger domainservice.Logger) {
	defer wg.Done()
	log := logger.With("queue_name", queueName)
	log.Info("starting push worker")

	for {
		if ctx.Err() != nil {
			log.Info("push worker stopped")
			return
		}
		if pollWorker(ctx, queueName, graderURL, pollInterval, pushService, log) {
			return
		}
		log.Warn("push worker failed, restarting", "restart_delay", monitorSleep)
		select {
		case <-ctx.Done():
			return
		case <-time.After(monitorSleep):
		}
	}
}

// pollWorker runs the dispatch poll loop, recovering a panic into a logged
// failure so superviseWorker can restart it. Returns true if ctx was
// cancelled (clean shutdown), false if it returned due to a recovered panic.
func pollWorker(ctx context.Context, queueName, graderURL string, pollInterval time.Duration, pushService *service.PushDispatchService, log domainservice.Logger) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("push worker panicked", "recovered", r)
			stopped = false
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if _, err := pushService.DispatchNext(ctx, queueName, graderURL); err != nil {
				log.Error("dispatch failed", "error", err)
			}
		}
	}
}
