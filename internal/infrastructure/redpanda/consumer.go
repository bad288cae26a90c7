package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	// MaxPollRecords bounds one batch handed to the handler
	MaxPollRecords int
	// StartOffset is earliest or latest
	StartOffset string
}

// DefaultConsumerConfig returns defaults for the dose command consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "dose-command-processor",
		Topics:              []string{TopicDoseCommands},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		MaxPollRecords:      256,
		StartOffset:         "earliest",
	}
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time

	// Context carries the producer's trace context
	Context context.Context
}

const maxBatchBackoff = 30 * time.Second

// BatchHandler handles one polled batch. Offsets are committed only when it returns nil.
type BatchHandler func(ctx context.Context, msgs []*ConsumedMessage) error

// Consumer polls records in batches and commits after each handled batch
type Consumer struct {
	client   *kgo.Client
	config   ConsumerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	handler  BatchHandler
	consumed prometheus.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead   int64
	errorCount     int64
	lastCommitUnix int64
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithConsumedCounter counts records handed to the handler
func WithConsumedCounter(c prometheus.Counter) ConsumerOption {
	return func(cs *Consumer) { cs.consumed = c }
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("batch handler is required")
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = DefaultConsumerConfig().MaxPollRecords
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	switch cfg.StartOffset {
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the current batch and closes the client. Every handled batch is
// already committed.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollRecords(c.ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			atomic.AddInt64(&c.errorCount, 1)
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		c.handleBatch(records)
	}
}

func (c *Consumer) handleBatch(records []*kgo.Record) {
	ctx, span := c.tracer.Start(c.ctx, "redpanda.consume_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(records))))
	defer span.End()

	msgs := make([]*ConsumedMessage, len(records))
	for i, r := range records {
		msgs[i] = toMessage(ctx, r)
	}

	atomic.AddInt64(&c.messagesRead, int64(len(records)))
	if c.consumed != nil {
		c.consumed.Add(float64(len(records)))
	}

	// A failed batch is retried in place; polling on would commit past it.
	backoff := time.Second
	for {
		err := c.handler(ctx, msgs)
		if err == nil {
			break
		}
		atomic.AddInt64(&c.errorCount, 1)
		span.RecordError(err)
		c.logger.Error("batch handler failed, retrying",
			zap.Int("records", len(records)),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, maxBatchBackoff)
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		span.RecordError(err)
		c.logger.Error("failed to commit offsets", zap.Error(err))
		return
	}
	atomic.StoreInt64(&c.lastCommitUnix, time.Now().Unix())
}

func toMessage(ctx context.Context, r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
		Context:   extractTraceContext(ctx, r),
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	var last time.Time
	if unix := atomic.LoadInt64(&c.lastCommitUnix); unix > 0 {
		last = time.Unix(unix, 0)
	}
	return ConsumerStats{
		MessagesRead:   atomic.LoadInt64(&c.messagesRead),
		ErrorCount:     atomic.LoadInt64(&c.errorCount),
		LastCommitTime: last,
	}
}
