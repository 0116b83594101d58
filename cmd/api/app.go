package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/onnwee/audittrail/internal/access"
	"github.com/onnwee/audittrail/internal/api"
	"github.com/onnwee/audittrail/internal/audit"
	"github.com/onnwee/audittrail/internal/auth"
	"github.com/onnwee/audittrail/internal/config"
	"github.com/onnwee/audittrail/internal/db"
	"github.com/onnwee/audittrail/internal/health"
	"github.com/onnwee/audittrail/internal/jobs"
	"github.com/onnwee/audittrail/internal/middleware"
	"github.com/onnwee/audittrail/internal/retention"
	"github.com/onnwee/audittrail/internal/trail"
)

// retentionPoolSize keeps the retention credential's footprint small; runs
// are serialized by the lock.
const retentionPoolSize = 4

// app holds the wired service and everything that must be closed with it.
type app struct {
	handler      http.Handler
	consumer     *audit.QueueConsumer
	retentionJob *retention.Job

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// newApp connects to every configured backend and builds the HTTP handler.
// On error everything acquired so far is released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auditMetrics := audit.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	retentionMetrics := retention.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{auditMetrics, jobMetrics, httpMetrics, retentionMetrics} {
		if err := r.Register(registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	appDB, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
	if err != nil {
		return nil, fmt.Errorf("application database: %w", err)
	}
	a.onClose(func() { appDB.Close() })
	logger.Info("connected to application database")

	checkers := map[string]api.HealthChecker{"database": health.NewDBChecker(appDB)}
	optional := map[string]api.HealthChecker{}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.onClose(func() { redisClient.Close() })
		checkers["redis"] = health.NewRedisChecker(redisClient)
	}

	var objects *retention.S3ObjectStore
	if cfg.Archive.Bucket != "" {
		objects, err = retention.NewS3ObjectStore(retention.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("archive object store: %w", err)
		}
		optional["archive"] = objects
	}

	hotRepo := audit.NewPostgresRepository(appDB, logger)
	appender, err := a.newAppender(cfg, hotRepo, jobMetrics, logger)
	if err != nil {
		return nil, err
	}

	emptyUpdates, err := audit.ParseEmptyUpdatePolicy(cfg.Recorder.EmptyUpdatePolicy)
	if err != nil {
		return nil, err
	}
	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Appender:     appender,
		Logger:       logger,
		Metrics:      auditMetrics,
		WriteTimeout: cfg.Recorder.WriteTimeout,
		EmptyUpdates: emptyUpdates,
	})
	if err != nil {
		return nil, fmt.Errorf("audit recorder: %w", err)
	}

	policy, err := loadPolicy(cfg.RedactionRulesPath, logger)
	if err != nil {
		return nil, err
	}

	// Reads of warm and cold go through the append-only credential too.
	var archiveReader audit.Reader
	if objects != nil {
		archiveReader = retention.NewArchive(objects, retention.NewPostgresColdIndex(appDB), cfg.Archive.Prefix, logger)
	}
	reader := retention.NewTieredReader(hotRepo, retention.NewPostgresWarmStore(appDB), archiveReader)

	accessSvc, err := access.NewService(access.ServiceConfig{Reader: reader, Policy: policy, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("access service: %w", err)
	}
	trailSvc, err := trail.NewService(trail.Config{
		Querier:       accessSvc,
		Recorder:      recorder,
		Logger:        logger,
		DefaultLimit:  cfg.Query.DefaultLimit,
		MaxPageSize:   cfg.Query.MaxPageSize,
		MaxExportRows: cfg.Query.MaxExportRows,
	})
	if err != nil {
		return nil, fmt.Errorf("trail service: %w", err)
	}

	if cfg.Retention.Enabled {
		if objects == nil {
			return nil, errors.New("retention requires an archive bucket")
		}
		job, err := a.newRetentionJob(ctx, cfg, objects, redisClient, jobMetrics, retentionMetrics, logger)
		if err != nil {
			return nil, err
		}
		a.retentionJob = job
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	a.handler = api.NewRouter(api.RouterConfig{
		Trail: api.NewTrailHandlers(trailSvc, logger),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			Checkers: checkers,
			Optional: optional,
			Logger:   logger,
		}),
		Verifier:       auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious),
		TrustedProxies: proxies,
		Logger:         logger,
		Metrics:        httpMetrics,
		Gatherer:       registry,
	})
	return a, nil
}

// newAppender returns the recorder's persistence path. In queue mode events
// are produced to Kafka and a consumer drains them into hot.
func (a *app) newAppender(cfg *config.Config, hot audit.Appender, metrics *jobs.Metrics, logger *slog.Logger) (audit.Appender, error) {
	if cfg.Recorder.Mode != "queue" {
		return hot, nil
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Recorder.KafkaBrokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	a.onClose(producer.Close)

	consumerClient, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Recorder.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.Recorder.KafkaGroup),
		kgo.ConsumeTopics(cfg.Recorder.KafkaTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	a.onClose(consumerClient.Close)

	consumer, err := audit.NewQueueConsumer(consumerClient, audit.QueueConsumerConfig{
		Sink:    hot,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("audit queue consumer: %w", err)
	}
	a.consumer = consumer
	logger.Info("recorder in queue mode",
		"brokers", cfg.Recorder.KafkaBrokers,
		"topic", cfg.Recorder.KafkaTopic,
		"group", cfg.Recorder.KafkaGroup)
	return audit.NewQueueAppender(producer, cfg.Recorder.KafkaTopic), nil
}

// newRetentionJob opens the retention pool and builds the scheduled job.
// Partitions for the coming months are attempted before it returns.
func (a *app) newRetentionJob(
	ctx context.Context,
	cfg *config.Config,
	objects retention.ObjectStore,
	redisClient *redis.Client,
	jobMetrics *jobs.Metrics,
	metrics *retention.Metrics,
	logger *slog.Logger,
) (*retention.Job, error) {
	retentionDB, err := db.Open(ctx, cfg.RetentionDatabaseURL, db.Options{MaxOpenConns: retentionPoolSize})
	if err != nil {
		return nil, fmt.Errorf("retention database: %w", err)
	}
	a.onClose(func() { retentionDB.Close() })

	var locker retention.Locker = retention.NewMemoryLocker()
	if redisClient != nil {
		locker = retention.NewRedisLocker(redisClient)
	}
	manager, err := retention.NewPostgresManager(retentionDB, objects, cfg.Archive.Prefix, retention.ManagerConfig{
		Policy:          retention.PolicyFromDays(cfg.Retention.HotDays, cfg.Retention.WarmDays, cfg.Retention.PurgeDays),
		PurgeLog:        retention.NewFilePurgeLog(cfg.PurgeLogPath),
		PartitionsAhead: cfg.Retention.PartitionsAhead,
		Locker:          locker,
		BatchSize:       cfg.Retention.BatchSize,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("retention manager: %w", err)
	}

	// Rows for a month without a partition land in the default partition, so
	// a failure here does not block startup; every run retries it.
	hot := retention.NewPostgresHotStore(retentionDB, logger)
	if _, err := hot.EnsurePartitions(ctx, time.Now(), cfg.Retention.PartitionsAhead); err != nil {
		logger.Error("failed to ensure audit partitions", "error", err)
	}

	return retention.NewJob(retention.JobConfig{
		Interval:   cfg.Retention.Interval,
		Timeout:    cfg.Retention.Timeout,
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, manager), nil
}

// loadPolicy reads redaction rules from path, or uses the built-in rules
// when no path is configured. A configured but invalid file is fatal.
func loadPolicy(path string, logger *slog.Logger) (*access.Policy, error) {
	if path == "" {
		logger.Info("using built-in redaction rules")
		return access.NewPolicy(access.DefaultRules())
	}
	policy, err := access.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("load redaction rules: %w", err)
	}
	logger.Info("loaded redaction rules", "path", path)
	return policy, nil
}
