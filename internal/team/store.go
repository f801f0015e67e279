package team

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// ErrNotFound is returned when no team matches the lookup key.
var ErrNotFound = errors.New("team not found")

// Store reads teams from the relational store.
type Store interface {
	ByID(ctx context.Context, teamID int64) (*event.Team, error)
	ByToken(ctx context.Context, token string) (*event.Team, error)
	MarkIngestedEvent(ctx context.Context, teamID int64) error
}

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, log *logrus.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

const teamColumns = `id, project_id, name, api_token, anonymize_ips, heatmaps_opt_in,
	person_processing_opt_out, ingested_event, cookieless_server_hash_mode`

// ByID retrieves a team by numeric id.
func (s *PostgresStore) ByID(ctx context.Context, teamID int64) (*event.Team, error) {
	query := fmt.Sprintf(`SELECT %s FROM team WHERE id = $1`, teamColumns)
	return s.scanOne(ctx, query, teamID)
}

// ByToken retrieves a team by API token. Tokens containing null bytes can
// never match and are rejected up front; Postgres would reject the bytes.
func (s *PostgresStore) ByToken(ctx context.Context, token string) (*event.Team, error) {
	if token == "" || strings.ContainsRune(token, 0) {
		return nil, ErrNotFound
	}
	query := fmt.Sprintf(`SELECT %s FROM team WHERE api_token = $1`, teamColumns)
	return s.scanOne(ctx, query, token)
}

// MarkIngestedEvent flips the first-event flag. Fire-and-forget from the
// pipeline's perspective.
func (s *PostgresStore) MarkIngestedEvent(ctx context.Context, teamID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE team SET ingested_event = TRUE WHERE id = $1 AND NOT ingested_event`, teamID)
	if err != nil {
		return fmt.Errorf("failed to mark team %d ingested: %w", teamID, err)
	}
	return nil
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg any) (*event.Team, error) {
	t := &event.Team{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.APIToken, &t.AnonymizeIPs, &t.HeatmapsOptIn,
		&t.PersonProcessingOptOut, &t.IngestedEvent, &t.CookielessServerHashOpt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query team: %w", err)
	}
	return t, nil
}
