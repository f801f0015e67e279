package person

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store on pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, log *logrus.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, log: log}
}

const personColumns = `id, uuid, team_id, created_at, properties, is_identified, is_user_id, version, force_upgrade`

// FetchByDistinctID resolves the current person for a distinct id.
func (s *PostgresStore) FetchByDistinctID(ctx context.Context, teamID int64, distinctID string) (*event.Person, error) {
	query := fmt.Sprintf(`
		SELECT p.%s
		FROM person p
		JOIN person_distinct_id pdi ON pdi.person_id = p.id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = $2
	`, personColumns)

	p, err := scanPerson(s.pool.QueryRow(ctx, query, teamID, distinctID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch person: %w", err)
	}
	return p, nil
}

// Create inserts a new person and its distinct-id mappings in one
// transaction.
func (s *PostgresStore) Create(ctx context.Context, p *event.Person, distinctIDs []string) (*event.Person, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created := *p
	err = tx.QueryRow(ctx, `
		INSERT INTO person (uuid, team_id, created_at, properties, is_identified, version, force_upgrade)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE)
		RETURNING id
	`, p.UUID, p.TeamID, p.CreatedAt, p.Properties, p.IsIdentified).Scan(&created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert person: %w", err)
	}

	for _, distinctID := range distinctIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO person_distinct_id (team_id, distinct_id, person_id, version)
			VALUES ($1, $2, $3, 0)
		`, p.TeamID, distinctID, created.ID)
		if isUniqueViolation(err) {
			return nil, ErrDistinctIDTaken
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert distinct id mapping: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit person creation: %w", err)
	}
	return &created, nil
}

// Update writes properties and identification state guarded by version.
func (s *PostgresStore) Update(ctx context.Context, p *event.Person, expectedVersion int64) (*event.Person, error) {
	updated := *p
	err := s.pool.QueryRow(ctx, `
		UPDATE person
		SET properties = $1, is_identified = $2, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version
	`, p.Properties, p.IsIdentified, p.ID, expectedVersion).Scan(&updated.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update person: %w", err)
	}
	return &updated, nil
}

// AddDistinctID maps an additional distinct id onto the person.
func (s *PostgresStore) AddDistinctID(ctx context.Context, teamID int64, personID int64, distinctID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO person_distinct_id (team_id, distinct_id, person_id, version)
		VALUES ($1, $2, $3, 0)
	`, teamID, distinctID, personID)
	if isUniqueViolation(err) {
		return ErrDistinctIDTaken
	}
	if err != nil {
		return fmt.Errorf("failed to add distinct id: %w", err)
	}
	return nil
}

// Merge folds loser into survivor. Person rows are locked FOR UPDATE in the
// order fixed by args.OrderedDistinctIDs so concurrent merges over the same
// identities serialize instead of deadlocking.
func (s *PostgresStore) Merge(ctx context.Context, args MergeArgs) (*event.Person, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, distinctID := range args.OrderedDistinctIDs {
		_, err = tx.Exec(ctx, `
			SELECT p.id FROM person p
			JOIN person_distinct_id pdi ON pdi.person_id = p.id
			WHERE pdi.team_id = $1 AND pdi.distinct_id = $2
			FOR UPDATE OF p
		`, args.TeamID, distinctID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock person for merge: %w", err)
		}
	}

	survivor := *args.Survivor
	survivor.Properties = args.Properties
	survivor.CreatedAt = args.CreatedAt
	survivor.IsIdentified = true
	err = tx.QueryRow(ctx, `
		UPDATE person
		SET properties = $1, created_at = $2, is_identified = TRUE, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version
	`, args.Properties, args.CreatedAt, args.Survivor.ID, args.Survivor.Version).Scan(&survivor.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update merge survivor: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE person_distinct_id
		SET person_id = $1, version = version + 1
		WHERE team_id = $2 AND person_id = $3
	`, args.Survivor.ID, args.TeamID, args.Loser.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to repoint distinct ids: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM person WHERE id = $1 AND team_id = $2`, args.Loser.ID, args.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete merged person: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return &survivor, nil
}

func scanPerson(row pgx.Row) (*event.Person, error) {
	p := &event.Person{}
	err := row.Scan(&p.ID, &p.UUID, &p.TeamID, &p.CreatedAt, &p.Properties,
		&p.IsIdentified, &p.IsUserID, &p.Version, &p.ForceUpgrade)
	if err != nil {
		return nil, err
	}
	if p.Properties == nil {
		p.Properties = event.Properties{}
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
