package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/metrics"
)

// Backend writes messages to one topic. *kafka.Writer satisfies it.
type Backend interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the downstream topics.
type Config struct {
	EnrichedEventsTopic    string
	IngestionWarningsTopic string
	HeatmapsTopic          string
	ExceptionsTopic        string
	PersonUpdatesTopic     string
	GroupUpdatesTopic      string

	// WarningDebounceTTL bounds how often one (team, type) warning pair is
	// emitted.
	WarningDebounceTTL time.Duration
}

// DefaultConfig returns the default topic layout.
func DefaultConfig() *Config {
	return &Config{
		EnrichedEventsTopic:    "clickhouse_events_json",
		IngestionWarningsTopic: "clickhouse_ingestion_warnings",
		HeatmapsTopic:          "clickhouse_heatmap_events",
		ExceptionsTopic:        "exceptions_ingestion",
		PersonUpdatesTopic:     "clickhouse_person",
		GroupUpdatesTopic:      "clickhouse_groups",
		WarningDebounceTTL:     time.Minute,
	}
}

// Producer fans events out to the downstream topics and hands back
// completion handles for everything it sends.
type Producer struct {
	config   *Config
	log      *logrus.Logger
	metrics  *metrics.Metrics
	backends map[string]Backend
	limiter  *warningLimiter
}

// New creates a Producer over a backend factory. The factory is called once
// per distinct topic.
func New(config *Config, factory func(topic string) Backend, m *metrics.Metrics, log *logrus.Logger) *Producer {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	backends := make(map[string]Backend)
	for _, topic := range []string{
		config.EnrichedEventsTopic,
		config.IngestionWarningsTopic,
		config.HeatmapsTopic,
		config.ExceptionsTopic,
		config.PersonUpdatesTopic,
		config.GroupUpdatesTopic,
	} {
		if topic == "" {
			continue
		}
		if _, ok := backends[topic]; !ok {
			backends[topic] = factory(topic)
		}
	}
	return &Producer{
		config:   config,
		log:      log,
		metrics:  m,
		backends: backends,
		limiter:  newWarningLimiter(config.WarningDebounceTTL),
	}
}

// EmitEvent publishes an enriched event, keyed by event uuid. Exceptions
// without a Sentry id route to the exceptions topic in place of the main
// topic. Oversize payloads settle the ack with a message_size_too_large drop
// and emit one warning; they are never retried.
func (p *Producer) EmitEvent(ctx context.Context, enriched *event.EnrichedEvent, hasSentryID bool) *Ack {
	topic := p.config.EnrichedEventsTopic
	if enriched.Event == event.EventException && !hasSentryID {
		topic = p.config.ExceptionsTopic
	}

	payload, err := json.Marshal(enriched)
	if err != nil {
		return resolved(fmt.Errorf("failed to serialize enriched event: %w", err))
	}

	return p.send(ctx, topic, kafka.Message{Key: []byte(enriched.UUID), Value: payload}, func(err error) error {
		if isMessageTooLarge(err) {
			p.oversize(ctx, enriched)
			return nil
		}
		if err != nil {
			return event.NewPipelineError(event.ErrCodeProducerUnavailable, "enriched event publish failed", err)
		}
		if p.metrics != nil {
			p.metrics.EventsProduced.WithLabelValues(topic).Inc()
		}
		return nil
	})
}

// EmitWarning publishes an ingestion warning, debounced per (team, type).
// Fire and forget: failures are logged and counted, never propagated.
func (p *Producer) EmitWarning(ctx context.Context, w event.IngestionWarning) {
	if !p.limiter.Allow(w.TeamID, w.Type) {
		return
	}
	if p.metrics != nil {
		p.metrics.Warning(w.Type)
	}

	payload, err := json.Marshal(w)
	if err != nil {
		return
	}
	p.send(ctx, p.config.IngestionWarningsTopic, kafka.Message{Value: payload}, func(err error) error {
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"team_id": w.TeamID,
				"type":    w.Type,
				"error":   err.Error(),
			}).Warn("Failed to publish ingestion warning")
		}
		return nil
	})
}

// EmitHeatmaps publishes extracted heatmap rows keyed by the source event
// uuid.
func (p *Producer) EmitHeatmaps(ctx context.Context, eventUUID string, rows []event.HeatmapRow) *Ack {
	if len(rows) == 0 {
		return resolved(nil)
	}
	msgs := make([]kafka.Message, 0, len(rows))
	for _, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return resolved(fmt.Errorf("failed to serialize heatmap row: %w", err))
		}
		msgs = append(msgs, kafka.Message{Key: []byte(eventUUID), Value: payload})
	}
	return p.sendAll(ctx, p.config.HeatmapsTopic, msgs, func(err error) error {
		if err != nil {
			return event.NewPipelineError(event.ErrCodeProducerUnavailable, "heatmap publish failed", err)
		}
		if p.metrics != nil {
			p.metrics.EventsProduced.WithLabelValues(p.config.HeatmapsTopic).Add(float64(len(msgs)))
		}
		return nil
	})
}

// EmitPersonUpdate publishes a person snapshot. Fire and forget.
func (p *Producer) EmitPersonUpdate(ctx context.Context, person *event.Person) {
	payload, err := json.Marshal(person)
	if err != nil {
		return
	}
	p.send(ctx, p.config.PersonUpdatesTopic, kafka.Message{Key: []byte(person.UUID), Value: payload}, func(err error) error {
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"person_uuid": person.UUID,
				"error":       err.Error(),
			}).Warn("Failed to publish person update")
		}
		return nil
	})
}

// EmitGroupUpdate publishes a group snapshot. Fire and forget.
func (p *Producer) EmitGroupUpdate(ctx context.Context, g *event.Group) {
	payload, err := json.Marshal(g)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%d:%d:%s", g.TeamID, g.GroupTypeIndex, g.GroupKey)
	p.send(ctx, p.config.GroupUpdatesTopic, kafka.Message{Key: []byte(key), Value: payload}, func(err error) error {
		if err != nil {
			p.log.WithFields(logrus.Fields{
				"team_id":   g.TeamID,
				"group_key": g.GroupKey,
				"error":     err.Error(),
			}).Warn("Failed to publish group update")
		}
		return nil
	})
}

// Close flushes and closes every backend.
func (p *Producer) Close() error {
	var firstErr error
	for topic, backend := range p.backends {
		if err := backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close producer for %s: %w", topic, err)
		}
	}
	return firstErr
}

func (p *Producer) send(ctx context.Context, topic string, msg kafka.Message, classify func(error) error) *Ack {
	return p.sendAll(ctx, topic, []kafka.Message{msg}, classify)
}

func (p *Producer) sendAll(ctx context.Context, topic string, msgs []kafka.Message, classify func(error) error) *Ack {
	backend, ok := p.backends[topic]
	if !ok {
		return resolved(fmt.Errorf("no producer configured for topic %s", topic))
	}
	ack := newAck()
	go func() {
		err := backend.WriteMessages(ctx, msgs...)
		ack.resolve(classify(err))
	}()
	return ack
}

// oversize records the drop and emits the warning mandated for payloads the
// broker refuses on size.
func (p *Producer) oversize(ctx context.Context, enriched *event.EnrichedEvent) {
	if p.metrics != nil {
		p.metrics.Drop(enriched.Event, event.DropMessageSizeTooLarge)
	}
	p.log.WithFields(logrus.Fields{
		"event_uuid": enriched.UUID,
		"team_id":    enriched.TeamID,
	}).Warn("Enriched event exceeded broker message size, dropped")
	p.EmitWarning(ctx, event.NewIngestionWarning(enriched.TeamID, event.WarnMessageSizeTooLarge, map[string]any{
		"eventUuid": enriched.UUID,
		"event":     enriched.Event,
	}))
}

func isMessageTooLarge(err error) bool {
	if err == nil {
		return false
	}
	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return true
	}
	return errors.Is(err, kafka.MessageSizeTooLarge)
}
