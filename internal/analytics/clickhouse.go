package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// SinkConfig defines the ClickHouse sink configuration.
type SinkConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	TLS      bool

	// BatchSize and FlushInterval bound how much buffers before a write.
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultSinkConfig returns the default sink settings.
func DefaultSinkConfig() *SinkConfig {
	return &SinkConfig{
		Database:      "default",
		Username:      "default",
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
	}
}

// Sink writes enriched events into the ClickHouse events table in batches.
// Kafka remains the source of truth downstream; sink failures are logged and
// never affect event acknowledgement.
type Sink struct {
	conn   *sql.DB
	config *SinkConfig
	logger *logrus.Logger

	mu      sync.Mutex
	pending []*event.EnrichedEvent
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSink creates a ClickHouse sink and verifies connectivity.
func NewSink(config *SinkConfig, logger *logrus.Logger) (*Sink, error) {
	if config == nil {
		config = DefaultSinkConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}

	dsn := fmt.Sprintf("clickhouse://%s:%s@%s/%s",
		config.Username,
		config.Password,
		config.Addr,
		config.Database,
	)
	if !config.TLS {
		dsn += "?secure=false"
	}

	conn, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"addr":     config.Addr,
		"database": config.Database,
	}).Info("ClickHouse sink initialized")

	s := &Sink{
		conn:   conn,
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Add buffers an enriched event for the next batch write.
func (s *Sink) Add(enriched *event.EnrichedEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, enriched)
	flush := len(s.pending) >= s.config.BatchSize
	s.mu.Unlock()

	if flush {
		s.flush()
	}
}

func (s *Sink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.writeBatch(ctx, batch); err != nil {
		s.logger.WithFields(logrus.Fields{
			"count": len(batch),
			"error": err.Error(),
		}).Warn("ClickHouse batch write failed, events remain on the bus")
	}
}

func (s *Sink) writeBatch(ctx context.Context, batch []*event.EnrichedEvent) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			uuid, event, properties, timestamp, team_id, project_id, distinct_id,
			elements_chain, created_at, person_id, person_properties, person_created_at, person_mode
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range batch {
		_, err := stmt.ExecContext(ctx,
			e.UUID,
			e.Event,
			e.Properties,
			e.Timestamp,
			e.TeamID,
			e.ProjectID,
			e.DistinctID,
			e.ElementsChain,
			e.CreatedAt,
			e.PersonID,
			e.PersonProperties,
			e.PersonCreatedAt,
			string(e.PersonMode),
		)
		if err != nil {
			return fmt.Errorf("failed to insert batch item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.WithField("count", len(batch)).Debug("Enriched events stored")
	return nil
}

// Close flushes buffered events and closes the connection.
func (s *Sink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
