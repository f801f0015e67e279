package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// ErrNoIndex means the team has exhausted its group-type slots; the group
// type resolves to no index and the event's group reference is skipped.
var ErrNoIndex = errors.New("no group type index available")

// Store persists group rows and group-type mappings.
type Store interface {
	// ResolveTypeIndex returns the index for a group type name, creating
	// the mapping when the team is still under its cap. ErrNoIndex when
	// the cap is reached and the name is new.
	ResolveTypeIndex(ctx context.Context, teamID, projectID int64, groupType string, maxTypes int) (int, error)

	// Upsert applies set/setOnce onto the group row, creating it when
	// absent; the row version is bumped on every write.
	Upsert(ctx context.Context, teamID int64, typeIndex int, groupKey string, set, setOnce map[string]any, timestamp time.Time) (*event.Group, error)
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

// ResolveTypeIndex resolves or creates the group-type mapping. The insert
// races under an advisory constraint: the unique index on (project_id,
// group_type) makes concurrent creators converge on one index.
func (s *PostgresStore) ResolveTypeIndex(ctx context.Context, teamID, projectID int64, groupType string, maxTypes int) (int, error) {
	var index int
	err := s.pool.QueryRow(ctx,
		`SELECT group_type_index FROM group_type_mapping WHERE project_id = $1 AND group_type = $2`,
		projectID, groupType).Scan(&index)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to query group type mapping: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO group_type_mapping (team_id, project_id, group_type, group_type_index)
		SELECT $1, $2, $3, COALESCE(MAX(group_type_index) + 1, 0)
		FROM group_type_mapping WHERE project_id = $2
		HAVING COALESCE(MAX(group_type_index) + 1, 0) < $4
		ON CONFLICT (project_id, group_type) DO UPDATE SET group_type = EXCLUDED.group_type
		RETURNING group_type_index
	`, teamID, projectID, groupType, maxTypes).Scan(&index)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoIndex
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create group type mapping: %w", err)
	}
	return index, nil
}

// Upsert creates or updates a group row.
func (s *PostgresStore) Upsert(ctx context.Context, teamID int64, typeIndex int, groupKey string, set, setOnce map[string]any, timestamp time.Time) (*event.Group, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin group upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	g := &event.Group{TeamID: teamID, GroupTypeIndex: typeIndex, GroupKey: groupKey}
	err = tx.QueryRow(ctx, `
		SELECT properties, created_at, version FROM "group"
		WHERE team_id = $1 AND group_type_index = $2 AND group_key = $3
		FOR UPDATE
	`, teamID, typeIndex, groupKey).Scan(&g.Properties, &g.CreatedAt, &g.Version)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		g.Properties = applyGroupProperties(event.Properties{}, set, setOnce)
		g.CreatedAt = timestamp
		g.Version = 1
		_, err = tx.Exec(ctx, `
			INSERT INTO "group" (team_id, group_type_index, group_key, properties, created_at, version)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, teamID, typeIndex, groupKey, g.Properties, g.CreatedAt, g.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to insert group: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read group: %w", err)
	default:
		g.Properties = applyGroupProperties(g.Properties, set, setOnce)
		g.Version++
		_, err = tx.Exec(ctx, `
			UPDATE "group" SET properties = $1, version = $2
			WHERE team_id = $3 AND group_type_index = $4 AND group_key = $5
		`, g.Properties, g.Version, teamID, typeIndex, groupKey)
		if err != nil {
			return nil, fmt.Errorf("failed to update group: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit group upsert: %w", err)
	}
	return g, nil
}

func applyGroupProperties(current event.Properties, set, setOnce map[string]any) event.Properties {
	next := current.Clone()
	if next == nil {
		next = event.Properties{}
	}
	for k, v := range setOnce {
		if _, exists := next[k]; !exists {
			next[k] = v
		}
	}
	for k, v := range set {
		next[k] = v
	}
	return next
}

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu       sync.Mutex
	mappings map[string]int          // project/type -> index
	counts   map[int64]int           // project -> assigned count
	groups   map[string]*event.Group // team/index/key -> group
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mappings: make(map[string]int),
		counts:   make(map[int64]int),
		groups:   make(map[string]*event.Group),
	}
}

// ResolveTypeIndex resolves or creates a group type mapping.
func (s *MemoryStore) ResolveTypeIndex(_ context.Context, _, projectID int64, groupType string, maxTypes int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%d\x00%s", projectID, groupType)
	if idx, ok := s.mappings[key]; ok {
		return idx, nil
	}
	if s.counts[projectID] >= maxTypes {
		return 0, ErrNoIndex
	}
	idx := s.counts[projectID]
	s.mappings[key] = idx
	s.counts[projectID]++
	return idx, nil
}

// Upsert creates or updates a group row.
func (s *MemoryStore) Upsert(_ context.Context, teamID int64, typeIndex int, groupKey string, set, setOnce map[string]any, timestamp time.Time) (*event.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%d\x00%d\x00%s", teamID, typeIndex, groupKey)
	g, ok := s.groups[key]
	if !ok {
		g = &event.Group{
			TeamID:         teamID,
			GroupTypeIndex: typeIndex,
			GroupKey:       groupKey,
			Properties:     event.Properties{},
			CreatedAt:      timestamp,
		}
		s.groups[key] = g
	}
	g.Properties = applyGroupProperties(g.Properties, set, setOnce)
	g.Version++

	out := *g
	out.Properties = g.Properties.Clone()
	return &out, nil
}

// Get returns a group row. Test helper.
func (s *MemoryStore) Get(teamID int64, typeIndex int, groupKey string) (*event.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[fmt.Sprintf("%d\x00%d\x00%s", teamID, typeIndex, groupKey)]
	return g, ok
}
