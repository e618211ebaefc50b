package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	LogLevel    string
	MetricsAddr string

	CORSAllowedOrigins  []string
	ManualSendPerMinute int
	ManualSendBurst     int

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// QueueBackend selects the deferred job substrate: redis, sqs or memory.
	QueueBackend    string
	WorkerPollDelay time.Duration
	WorkerMaxJobs   int
	JobTimeout      time.Duration
	KeepResult      time.Duration
	JobMaxTries     int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	SQSQueueURL         string
	MediaBucket         string
	MediaURLTTL         time.Duration

	TelegramBotToken string
	TelegramBaseURL  string

	CRMBaseURL      string
	CRMAPIKey       string
	CRMTimeout      time.Duration
	CRMWindowBefore time.Duration
	CRMWindowAfter  time.Duration

	ClinicTimezone string

	// Periodic triggers
	SweepInterval time.Duration
	PurgeAfter    time.Duration

	// Scenario semantics
	BareOffsetUnit          time.Duration
	StageTablePath          string
	PregnancyTestProcedure  int64
	FollowUpProcedures      []int64
	FollowUpStage           int
	FollowUpCheckDelay      time.Duration
	FollowUpSendDelay       time.Duration
	DiscardStaleJobs        bool
	AdminSessionTTL         time.Duration
	SurveyActivationTTL     time.Duration
	DeliveryLockHoldWarning time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		CORSAllowedOrigins:  getEnvAsStringList("CORS_ALLOWED_ORIGINS"),
		ManualSendPerMinute: getEnvAsInt("MANUAL_SEND_PER_MINUTE", 20),
		ManualSendBurst:     getEnvAsInt("MANUAL_SEND_BURST", 5),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		QueueBackend:    strings.ToLower(strings.TrimSpace(getEnv("QUEUE_BACKEND", "redis"))),
		WorkerPollDelay: getEnvAsDuration("WORKER_POLL_DELAY", time.Second),
		WorkerMaxJobs:   getEnvAsInt("WORKER_MAX_JOBS", 100),
		JobTimeout:      getEnvAsDuration("JOB_TIMEOUT", 300*time.Second),
		KeepResult:      getEnvAsDuration("KEEP_RESULT", time.Hour),
		JobMaxTries:     getEnvAsInt("JOB_MAX_TRIES", 5),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		SQSQueueURL:         getEnv("SQS_QUEUE_URL", ""),
		MediaBucket:         getEnv("MEDIA_BUCKET", ""),
		MediaURLTTL:         getEnvAsDuration("MEDIA_URL_TTL", 24*time.Hour),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramBaseURL:  getEnv("TELEGRAM_BASE_URL", ""),

		CRMBaseURL:      getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:       getEnv("CRM_API_KEY", ""),
		CRMTimeout:      getEnvAsDuration("CRM_TIMEOUT", 20*time.Second),
		CRMWindowBefore: getEnvAsDuration("CRM_WINDOW_BEFORE", 48*time.Hour),
		CRMWindowAfter:  getEnvAsDuration("CRM_WINDOW_AFTER", 96*time.Hour),

		ClinicTimezone: getEnv("CLINIC_TZ", "UTC"),

		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 30*time.Minute),
		PurgeAfter:    getEnvAsDuration("PURGE_AFTER", 30*24*time.Hour),

		BareOffsetUnit:          getEnvAsDuration("SCENARIO_BARE_OFFSET_UNIT", time.Hour),
		StageTablePath:          getEnv("STAGE_TABLE_PATH", ""),
		PregnancyTestProcedure:  int64(getEnvAsInt("PREGNANCY_TEST_PROCEDURE", 4331)),
		FollowUpProcedures:      getEnvAsInt64List("FOLLOW_UP_PROCEDURES", []int64{4332, 4333, 4334}),
		FollowUpStage:           getEnvAsInt("FOLLOW_UP_STAGE", 6),
		FollowUpCheckDelay:      getEnvAsDuration("FOLLOW_UP_CHECK_DELAY", 8*24*time.Hour),
		FollowUpSendDelay:       getEnvAsDuration("FOLLOW_UP_SEND_DELAY", 10*time.Second),
		DiscardStaleJobs:        getEnvAsBool("DISCARD_STALE_JOBS", false),
		AdminSessionTTL:         getEnvAsDuration("ADMIN_SESSION_TTL", time.Hour),
		SurveyActivationTTL:     getEnvAsDuration("SURVEY_ACTIVATION_TTL", 7*24*time.Hour),
		DeliveryLockHoldWarning: getEnvAsDuration("DELIVERY_LOCK_HOLD_WARNING", 30*time.Second),
	}
}

// Location resolves ClinicTimezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.ClinicTimezone) == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsInt64List parses a comma-separated list; any bad entry keeps the default.
func getEnvAsInt64List(key string, defaultValue []int64) []int64 {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	var out []int64
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsStringList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
