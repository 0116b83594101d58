package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/onnwee/audittrail/internal/jobs"
)

// DefaultQueueTopic is the topic events are produced to in queue mode.
const DefaultQueueTopic = "audit-events"

// recordProducer is the subset of *kgo.Client used by QueueAppender.
type recordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// QueueAppender hands events to a durable log instead of the database.
// Append returns only after every in-sync replica has the record, so an
// acknowledged event survives a crash of this process. A QueueConsumer
// materializes the log into the audit store.
type QueueAppender struct {
	producer recordProducer
	topic    string
}

// NewQueueAppender creates a QueueAppender producing to topic. The client
// should be created with kgo.RequiredAcks(kgo.AllISRAcks()).
func NewQueueAppender(client *kgo.Client, topic string) *QueueAppender {
	return newQueueAppender(client, topic)
}

func newQueueAppender(p recordProducer, topic string) *QueueAppender {
	if topic == "" {
		topic = DefaultQueueTopic
	}
	return &QueueAppender{producer: p, topic: topic}
}

// Append produces e keyed by entity so events for one entity stay ordered
// within a partition.
func (a *QueueAppender) Append(ctx context.Context, e *Event) error {
	value, err := MarshalEvent(e)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: a.topic,
		Key:   []byte(e.EntityType + "/" + e.EntityID),
		Value: value,
	}
	if err := a.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce audit event: %w", err)
	}
	return nil
}

// recordConsumer is the subset of *kgo.Client used by QueueConsumer.
type recordConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// QueueConsumerConfig configures a QueueConsumer.
type QueueConsumerConfig struct {
	// Sink receives decoded events. Appends must be idempotent because a
	// record is redelivered if its offset was not committed.
	Sink   Appender
	Logger *slog.Logger
	// RetryDelay is the pause between attempts to persist a record.
	RetryDelay time.Duration
	// Metrics is optional.
	Metrics *jobs.Metrics
}

// QueueConsumer drains the audit topic into the audit store. Offsets are
// committed only after the events they cover are persisted.
type QueueConsumer struct {
	client     recordConsumer
	sink       Appender
	logger     *slog.Logger
	retryDelay time.Duration
	metrics    *jobs.Metrics
}

// NewQueueConsumer creates a QueueConsumer. The client must be a consumer
// group member with auto-commit disabled.
func NewQueueConsumer(client *kgo.Client, cfg QueueConsumerConfig) (*QueueConsumer, error) {
	return newQueueConsumer(client, cfg)
}

func newQueueConsumer(client recordConsumer, cfg QueueConsumerConfig) (*QueueConsumer, error) {
	if cfg.Sink == nil {
		return nil, ErrNilAppender
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &QueueConsumer{
		client:     client,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		metrics:    cfg.Metrics,
	}, nil
}

// Run polls until ctx is cancelled or the client is closed.
func (c *QueueConsumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("audit queue fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.String("error", err.Error()))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		start := time.Now()
		err := c.handle(ctx, records)
		c.metrics.ObserveJobDuration(jobs.JobTypeQueueDrain, time.Since(start).Seconds())
		if err != nil {
			c.metrics.IncJobsTotal(jobs.JobTypeQueueDrain, jobs.StatusFailure)
			return err
		}
		c.metrics.IncJobsTotal(jobs.JobTypeQueueDrain, jobs.StatusSuccess)
		if err := c.client.CommitRecords(ctx, records...); err != nil {
			// Uncommitted records are redelivered; appends are idempotent.
			c.logger.Warn("failed to commit audit queue offsets",
				slog.Int("records", len(records)),
				slog.String("error", err.Error()))
		}
	}
}

// handle persists each record, retrying until it succeeds or ctx ends.
// Records that cannot be decoded are logged and skipped; retrying them
// would block the partition forever.
func (c *QueueConsumer) handle(ctx context.Context, records []*kgo.Record) error {
	for _, rec := range records {
		e, err := UnmarshalEvent(rec.Value)
		if err != nil {
			c.logger.Error("CRITICAL: undecodable audit queue record",
				slog.String("topic", rec.Topic),
				slog.Int("partition", int(rec.Partition)),
				slog.Int64("offset", rec.Offset),
				slog.String("error", err.Error()))
			c.metrics.IncJobErrors(jobs.JobTypeQueueDrain, "decode")
			continue
		}
		for attempt := 1; ; attempt++ {
			// Appenders absorb redelivered IDs, so only real failures retry.
			err := c.sink.Append(ctx, &e)
			if err == nil {
				break
			}
			c.logger.Error("failed to persist queued audit event",
				slog.String("event_id", e.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			c.metrics.IncJobErrors(jobs.JobTypeQueueDrain, "persist")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}
	return nil
}
