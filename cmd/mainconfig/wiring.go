package mainconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-assistant/internal/config"
	"github.com/wolfman30/clinic-assistant/internal/delivery"
	"github.com/wolfman30/clinic-assistant/internal/jobs"
	"github.com/wolfman30/clinic-assistant/internal/media"
	"github.com/wolfman30/clinic-assistant/internal/observability/metrics"
	"github.com/wolfman30/clinic-assistant/internal/scenario"
	"github.com/wolfman30/clinic-assistant/internal/survey"
	"github.com/wolfman30/clinic-assistant/internal/telegram"
	"github.com/wolfman30/clinic-assistant/pkg/logging"
)

// leaseMargin keeps a job that runs right up to its timeout from being handed
// out again while its worker is still acking it.
const leaseMargin = 30 * time.Second

// LeaseFor returns the redis lease for jobs bounded by jobTimeout.
func LeaseFor(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		return 0
	}
	return jobTimeout + leaseMargin
}

// NewQueue builds the job queue selected by QUEUE_BACKEND.
func NewQueue(ctx context.Context, cfg *appconfig.Config, rdb *redis.Client, logger *logging.Logger) (jobs.Queue, error) {
	switch cfg.QueueBackend {
	case "", "redis":
		return jobs.NewRedisQueue(rdb, logger).
			WithLease(LeaseFor(cfg.JobTimeout)).
			WithKeepResult(cfg.KeepResult).
			WithMaxTries(cfg.JobMaxTries), nil
	case "sqs":
		if cfg.SQSQueueURL == "" {
			return nil, fmt.Errorf("mainconfig: SQS_QUEUE_URL is required for the sqs backend")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("mainconfig: aws config: %w", err)
		}
		return jobs.NewSQSQueue(SQSClient(awsCfg, cfg), cfg.SQSQueueURL, logger), nil
	case "memory":
		logger.Warn("using in-memory job queue; scheduled messages are lost on restart")
		return jobs.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("mainconfig: unknown queue backend %q", cfg.QueueBackend)
	}
}

// NewMediaResolver looks up media_links first and, when MEDIA_BUCKET is set,
// falls back to signed bucket urls.
func NewMediaResolver(ctx context.Context, cfg *appconfig.Config, store *scenario.Store, logger *logging.Logger) (*media.Resolver, error) {
	resolver := media.NewResolver(store, logger)
	if cfg.MediaBucket == "" {
		return resolver, nil
	}
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mainconfig: aws config: %w", err)
	}
	client := S3Client(awsCfg, cfg)
	return resolver.WithBucket(client, s3.NewPresignClient(client), cfg.MediaBucket, cfg.MediaURLTTL), nil
}

// NewExecutor wires the delivery executor onto the Telegram bot.
func NewExecutor(cfg *appconfig.Config, bot *telegram.Client, rdb *redis.Client, store *scenario.Store,
	resolver *media.Resolver, sm *metrics.ScenarioMetrics, logger *logging.Logger) *delivery.Executor {
	launcher := survey.NewLauncher(rdb, bot, cfg.SurveyActivationTTL, logger.Component("survey"))
	return delivery.NewExecutor(bot, launcher, logger.Component("executor")).
		WithMedia(resolver).
		WithDocuments(store, cfg.DiscardStaleJobs).
		WithHoldWarning(cfg.DeliveryLockHoldWarning).
		WithMetrics(sm)
}

// NewScheduler wires the delivery scheduler with the configured offset
// semantics and follow-up policy.
func NewScheduler(cfg *appconfig.Config, queue jobs.Queue, store *scenario.Store,
	sm *metrics.ScenarioMetrics, jm *metrics.JobMetrics, logger *logging.Logger) *delivery.Scheduler {
	return delivery.NewScheduler(queue, store, logger.Component("scheduler")).
		WithBareUnit(cfg.BareOffsetUnit).
		WithLocation(cfg.Location()).
		WithFollowUp(delivery.FollowUpPolicy{
			TriggerProcedure: cfg.PregnancyTestProcedure,
			Procedures:       cfg.FollowUpProcedures,
			Stage:            cfg.FollowUpStage,
			CheckDelay:       cfg.FollowUpCheckDelay,
			SendDelay:        cfg.FollowUpSendDelay,
		}).
		WithMetrics(sm, jm)
}
