package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/metrics"
	"github.com/plumehq/plume/internal/pipeline"
	"github.com/plumehq/plume/internal/producer"
)

// Config tunes the consumer loop.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// DLQTopic receives messages that keep failing with retryable errors.
	// Empty disables DLQ routing; exhausted messages are then skipped.
	DLQTopic string

	BatchSize    int
	BatchTimeout time.Duration

	// MaxBatchRetries bounds how often a failing batch is reprocessed
	// before its offending messages go to the DLQ.
	MaxBatchRetries int
	RetryBackoff    time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight batches
	// and pending producer completions.
	DrainTimeout time.Duration

	MinBytes      int
	MaxBytes      int
	QueueCapacity int
}

// DefaultConfig returns the default consumer settings.
func DefaultConfig() *Config {
	return &Config{
		Brokers:         []string{"localhost:9092"},
		Topic:           "events_plugin_ingestion",
		GroupID:         "ingestion-pipeline",
		DLQTopic:        "events_plugin_ingestion_dlq",
		BatchSize:       500,
		BatchTimeout:    100 * time.Millisecond,
		MaxBatchRetries: 3,
		RetryBackoff:    time.Second,
		DrainTimeout:    30 * time.Second,
		MinBytes:        1,
		MaxBytes:        52428800,
		QueueCapacity:   1000,
	}
}

// Fetcher is the slice of kafka.Reader the consumer needs.
type Fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Runner is the per-event pipeline entry point.
type Runner interface {
	Run(ctx context.Context, ev *event.PipelineEvent) *pipeline.Result
}

// Consumer pulls batches from the bus, drives them through the pipeline and
// commits offsets only after every side effect of the batch has settled.
type Consumer struct {
	config  *Config
	fetcher Fetcher
	decoder *event.Decoder
	runner  Runner
	dlq     producer.Backend
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// New creates a Consumer. dlq may be nil when Config.DLQTopic is empty.
func New(config *Config, fetcher Fetcher, decoder *event.Decoder, runner Runner, dlq producer.Backend, m *metrics.Metrics, log *logrus.Logger) *Consumer {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Consumer{
		config:  config,
		fetcher: fetcher,
		decoder: decoder,
		runner:  runner,
		dlq:     dlq,
		metrics: m,
		log:     log,
	}
}

// NewReader builds the kafka.Reader for this consumer's topic and group.
func NewReader(config *Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       config.MinBytes,
		MaxBytes:       config.MaxBytes,
		QueueCapacity:  config.QueueCapacity,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0, // explicit commits only
	})
}

// Run consumes until ctx is cancelled, then drains. One worker goroutine per
// partition keeps intra-partition ordering while partitions proceed in
// parallel.
func (c *Consumer) Run(ctx context.Context) error {
	g, groupCtx := errgroup.WithContext(ctx)

	partitions := make(map[int]chan kafka.Message)

	g.Go(func() error {
		defer func() {
			for _, ch := range partitions {
				close(ch)
			}
		}()
		for {
			msg, err := c.fetcher.FetchMessage(groupCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return fmt.Errorf("fetch failed: %w", err)
			}
			ch, ok := partitions[msg.Partition]
			if !ok {
				ch = make(chan kafka.Message, c.config.QueueCapacity)
				partitions[msg.Partition] = ch
				partition := msg.Partition
				g.Go(func() error {
					return c.partitionWorker(groupCtx, partition, ch)
				})
			}
			select {
			case ch <- msg:
			case <-groupCtx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// partitionWorker batches and processes messages for one partition.
func (c *Consumer) partitionWorker(ctx context.Context, partition int, ch <-chan kafka.Message) error {
	log := c.log.WithField("partition", partition)
	for {
		batch, open := c.nextBatch(ctx, ch)
		if len(batch) > 0 {
			// Drain context: a shutdown still finishes the batch in
			// flight and commits it before the worker exits.
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.DrainTimeout)
			err := c.processBatch(drainCtx, batch)
			cancel()
			if err != nil {
				return fmt.Errorf("partition %d: %w", partition, err)
			}
			log.WithField("batch_size", len(batch)).Debug("Batch committed")
		}
		if !open {
			return nil
		}
	}
}

// nextBatch collects up to BatchSize messages or whatever arrives within
// BatchTimeout. Returns open=false when the channel is closed.
func (c *Consumer) nextBatch(ctx context.Context, ch <-chan kafka.Message) ([]kafka.Message, bool) {
	var batch []kafka.Message

	// Block for the first message.
	select {
	case msg, ok := <-ch:
		if !ok {
			return batch, false
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		// Pull whatever is already queued so it drains before exit.
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return batch, false
				}
				batch = append(batch, msg)
			default:
				return batch, false
			}
		}
	}

	timeout := time.NewTimer(c.config.BatchTimeout)
	defer timeout.Stop()
	for len(batch) < c.config.BatchSize {
		select {
		case msg, ok := <-ch:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timeout.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

// processBatch runs the batch through the pipeline with bounded retries,
// awaits every side-effect completion, routes exhausted failures to the DLQ
// and finally commits the batch's offsets.
func (c *Consumer) processBatch(ctx context.Context, batch []kafka.Message) error {
	if c.metrics != nil {
		c.metrics.BatchesInFlight.Inc()
		defer c.metrics.BatchesInFlight.Dec()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryBackoff
	bo.MaxInterval = 30 * time.Second

	var dead []kafka.Message
	pending := batch
	for attempt := 0; ; attempt++ {
		failed, dlqNow := c.processOnce(ctx, pending)
		dead = append(dead, dlqNow...)
		if len(failed) == 0 {
			break
		}
		if attempt >= c.config.MaxBatchRetries {
			dead = append(dead, failed...)
			break
		}
		if c.metrics != nil {
			c.metrics.BatchRetries.Inc()
		}
		c.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"failed":  len(failed),
		}).Warn("Retrying failed messages in batch")

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
		pending = failed
	}

	if len(dead) > 0 {
		if err := c.routeToDLQ(ctx, dead); err != nil {
			return err
		}
	}

	if err := c.fetcher.CommitMessages(ctx, batch...); err != nil {
		return fmt.Errorf("offset commit failed: %w", err)
	}
	return nil
}

// processOnce runs every message once. Messages failing with a retryable
// error come back in failed for the caller's bounded retry loop; messages
// failing with a non-retryable error come back in dead and go straight to
// the DLQ, since re-running them cannot change the outcome.
func (c *Consumer) processOnce(ctx context.Context, msgs []kafka.Message) (failed, dead []kafka.Message) {
	var acks []*producer.Ack
	ackOwner := make(map[int]int) // ack index -> msgs index

	for i, msg := range msgs {
		ev, err := c.decoder.Decode(msg.Value)
		if err != nil {
			if drop, ok := event.AsDropped(err); ok {
				if c.metrics != nil {
					c.metrics.Drop("unknown", drop.Cause)
				}
				continue
			}
			dead = append(dead, msg)
			continue
		}
		ev.KafkaOffset = msg.Offset
		ev.Partition = msg.Partition

		result := c.runner.Run(ctx, ev)
		switch result.Status {
		case pipeline.StatusErrored:
			if event.IsRetryable(result.Err) {
				failed = append(failed, msg)
			} else {
				c.log.WithFields(logrus.Fields{
					"event_uuid": ev.UUID,
					"error":      result.Err.Error(),
				}).Error("Non-retryable failure, message routed to DLQ")
				dead = append(dead, msg)
			}
		default:
			for _, ack := range result.Acks {
				ackOwner[len(acks)] = i
				acks = append(acks, ack)
			}
		}
	}

	// Await every side effect before declaring the pass done. A retryable
	// completion failure re-queues its message; anything else dead-letters
	// it.
	failedIdx := make(map[int]bool)
	deadIdx := make(map[int]bool)
	for idx, ack := range acks {
		if err := ack.Wait(ctx); err != nil {
			if event.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				failedIdx[ackOwner[idx]] = true
			} else {
				deadIdx[ackOwner[idx]] = true
			}
		}
	}
	for i := range failedIdx {
		if !deadIdx[i] {
			failed = append(failed, msgs[i])
		}
	}
	for i := range deadIdx {
		dead = append(dead, msgs[i])
	}

	return failed, dead
}

// routeToDLQ forwards exhausted messages to the dead letter topic.
func (c *Consumer) routeToDLQ(ctx context.Context, msgs []kafka.Message) error {
	if c.dlq == nil || c.config.DLQTopic == "" {
		c.log.WithField("count", len(msgs)).Error("No DLQ configured, dropping failed messages")
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: msg.Headers})
	}
	if err := c.dlq.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("DLQ publish failed: %w", err)
	}
	if c.metrics != nil {
		c.metrics.DLQMessages.Add(float64(len(out)))
	}
	c.log.WithField("count", len(out)).Warn("Messages routed to DLQ")
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.fetcher.Close()
}
