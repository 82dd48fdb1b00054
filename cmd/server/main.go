package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	// Infrastructure
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/alert"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/auth"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/config"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/grader"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/lmsclient"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/logging"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/persistence/postgres"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/storage"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/worker"
	"github.com/sogos/xqueue-dispatch/pkg/httputil"
	"github.com/sogos/xqueue-dispatch/pkg/telemetry"

	// Domain
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"

	// Application services
	"github.com/sogos/xqueue-dispatch/internal/application/service"

	// Presentation
	httppresentation "github.com/sogos/xqueue-dispatch/internal/presentation/http"
)

func main() {
	// Load configuration first: every downstream constructor depends on it.
	// The logger's production/development mode comes from the ENV variable.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Getenv("ENV") == "production")
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("starting xqueue dispatch service")

	// Apply pending migrations before accepting any traffic.
	if err := postgres.Migrate(cfg.DatabaseURL, "file://migrations", logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	db, err := postgres.NewDB(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	submissionRepo := postgres.NewSubmissionRepository(db.DB)

	// Blob storage: S3/MinIO in production, local filesystem for development.
	var blobs domainservice.BlobStore
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		s3Storage, err := storage.NewS3Storage(context.Background(), storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			BasePath:        cfg.S3BasePath,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err != nil {
			logger.Error("failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		blobs = s3Storage
		logger.Info("using S3/MinIO blob storage", "endpoint", cfg.S3Endpoint, "bucket", cfg.S3Bucket)
	} else {
		blobs = storage.NewLocalStorage("./data", "http://localhost:"+cfg.Port+"/blobs")
		logger.Warn("S3 credentials not configured, using local blob storage (not recommended for production)")
	}

	// Grader client: real HTTP client wrapped in a per-grader-URL circuit breaker.
	graderHTTP := grader.NewHTTPClient(httputil.New(cfg.RequestsTimeout, httputil.BasicAuth{
		Username: cfg.BasicAuthUsername,
		Password: cfg.BasicAuthPassword,
	}))
	graderClient := grader.NewBreakerClient(graderHTTP)

	lmsClient := lmsclient.NewClient(httputil.New(cfg.RequestsTimeout, httputil.BasicAuth{
		Username: cfg.BasicAuthUsername,
		Password: cfg.BasicAuthPassword,
	}), logger)

	accounts, err := auth.NewAccountStore(cfg.Users)
	if err != nil {
		logger.Error("failed to load operator accounts", "error", err)
		os.Exit(1)
	}

	redisAddr := strings.TrimPrefix(cfg.RedisURL, "redis://")
	workerClient := worker.NewClient(redisAddr, logger)
	defer workerClient.Close()
	logger.Info("asynq worker client initialized", "redis_addr", redisAddr)

	var sessions auth.Sessions
	if cfg.EnableRedisCache {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		sessions = auth.NewRedisSessionStore(redisClient)
		logger.Info("operator sessions backed by Redis")
	} else {
		sessions = auth.NewSessionStore()
		logger.Warn("EnableRedisCache is false, operator sessions are in-memory and will not survive a restart")
	}

	var alertSink domainservice.AlertSink
	if cfg.AdminEmail != "" && cfg.SMTPHost != "" {
		alertSink = alert.NewClient(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword, cfg.AdminEmail)
		logger.Info("operator alert email configured", "admin_email", cfg.AdminEmail)
	} else {
		logger.Warn("admin email/SMTP not configured, force-retire alerts will not be sent")
	}

	telemetrySink := &telemetry.MultiSink{Sinks: []telemetry.Sink{&telemetry.StdoutSink{Out: os.Stdout}}}

	intakeService := service.NewIntakeService(submissionRepo, blobs, workerClient, cfg.Queues, cfg.ProcessingDelay, logger)
	pullService := service.NewPullService(submissionRepo, blobs, lmsClient, cfg.Queues, cfg.ProcessingDelay, cfg.MaxFailures, logger)
	pushService := service.NewPushDispatchService(submissionRepo, graderClient, lmsClient, cfg.ProcessingDelay, cfg.GradingTimeout, logger)
	maintenanceService := service.NewMaintenanceService(submissionRepo, lmsClient, telemetrySink, alertSink, logger)

	router := httppresentation.NewRouter(intakeService, pullService, accounts, sessions, cfg.AllowedOrigin, logger)

	var handler http.Handler = router
	if cfg.EnableH2C {
		handler = h2c.NewHandler(router, &http2.Server{})
		logger.Info("cleartext HTTP/2 (h2c) enabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	workerServer := worker.NewServer(
		redisAddr,
		pushService,
		maintenanceService,
		cfg.Queues,
		cfg.ConsumerPollInterval,
		cfg.PullTimeout,
		cfg.OrphanTimeout,
		cfg.SubmissionRetention,
		cfg.MaxFailures,
		logger,
	)

	go func() {
		if err := workerServer.Run(); err != nil {
			logger.Error("asynq worker server error", "error", err)
		}
	}()
	logger.Info("asynq worker server started")

	go func() {
		logger.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	workerServer.Shutdown()
	logger.Info("asynq worker server stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
