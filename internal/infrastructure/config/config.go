package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

// UserCredential is one entry of the operator login list (the `update_users`
// account set), either a bcrypt hash or a plaintext password pending the
// next `update_users` run to hash it.
type UserCredential struct {
	Username string
	Password string
	IsBcrypt bool
}

// Config holds application configuration, loaded once at process start and
// threaded through constructors — never a mutable package-global.
type Config struct {
	// Server
	Port      string
	EnableH2C bool // enables cleartext HTTP/2 for local dev

	// Database
	DatabaseURL string

	// CORS
	AllowedOrigin string

	// S3/MinIO blob storage
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3BasePath  string
	S3AccessKey string
	S3SecretKey string

	// Redis / asynq
	EnableRedisCache bool
	RedisURL         string

	// SMTP/Email (operator alerts)
	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	AdminEmail   string

	// Basic auth sent on outbound grader and LMS requests
	BasicAuthUsername string
	BasicAuthPassword string

	// Timeouts and thresholds (§3/§4)
	GradingTimeout       time.Duration
	RequestsTimeout      time.Duration
	ProcessingDelay      time.Duration // Δ
	PullTimeout          time.Duration
	OrphanTimeout        time.Duration
	MaxFailures          int
	ConsumerPollInterval time.Duration
	MonitorSleep         time.Duration
	SubmissionRetention  time.Duration

	// Users is the update_users account list.
	Users []UserCredential

	// Queues is the XQUEUES map: queue name -> grader URL (empty = pull-only).
	Queues map[string]entity.QueueConfig
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	databaseURL := getEnv("DATABASE_URL", "")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	queues, err := parseQueues(getEnv("XQUEUES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid XQUEUES: %w", err)
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		EnableH2C:   getEnv("ENABLE_H2C", "false") == "true",
		DatabaseURL: databaseURL,

		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),

		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", "xqueue"),
		S3BasePath:  getEnv("S3_BASE_PATH", "data"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),

		EnableRedisCache: getEnv("ENABLE_REDIS_CACHE", "true") != "false",
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "1025"),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@xqueue.local"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		AdminEmail:   getEnv("ADMIN_EMAIL", ""),

		BasicAuthUsername: getEnv("BASIC_AUTH_USERNAME", ""),
		BasicAuthPassword: getEnv("BASIC_AUTH_PASSWORD", ""),

		GradingTimeout:       getEnvSeconds("GRADING_TIMEOUT", 40),
		RequestsTimeout:      getEnvSeconds("REQUESTS_TIMEOUT", 5),
		ProcessingDelay:      time.Duration(getEnvInt("PROCESSING_DELAY_MINUTES", 0)) * time.Minute,
		PullTimeout:          getEnvSeconds("PULL_TIMEOUT_SECONDS", 300),
		OrphanTimeout:        getEnvSeconds("ORPHAN_TIMEOUT_SECONDS", 3600),
		MaxFailures:          getEnvInt("MAX_FAILURES", 3),
		ConsumerPollInterval: getEnvSeconds("CONSUMER_POLL_INTERVAL", 1),
		MonitorSleep:         getEnvSeconds("MONITOR_SLEEPTIME", 10),
		SubmissionRetention:  time.Duration(getEnvInt("SUBMISSION_RETENTION_DAYS", 90)) * 24 * time.Hour,

		Users:  parseUsers(getEnv("XQUEUE_USERS", "")),
		Queues: queues,
	}, nil
}

// parseQueues parses XQUEUES of the form "name=url,name2=,name3=http://grader"
// into a name -> QueueConfig map, matching settings.XQUEUES in the original
// run_consumer.py management command.
func parseQueues(raw string) (map[string]entity.QueueConfig, error) {
	queues := make(map[string]entity.QueueConfig)
	if raw == "" {
		return queues, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed queue entry %q, expected name=url", pair)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("malformed queue entry %q, empty name", pair)
		}
		queues[name] = entity.QueueConfig{Name: name, GraderURL: strings.TrimSpace(parts[1])}
	}
	return queues, nil
}

// parseUsers parses XQUEUE_USERS of the form "name:password,name2:$2a$..."
// into the update_users account list.
func parseUsers(raw string) []UserCredential {
	if raw == "" {
		return nil
	}
	var users []UserCredential
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		password := parts[1]
		users = append(users, UserCredential{
			Username: parts[0],
			Password: password,
			IsBcrypt: strings.HasPrefix(password, "$2a$") || strings.HasPrefix(password, "$2b$"),
		})
	}
	return users
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}
