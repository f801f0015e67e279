package person

import (
	"context"
	"errors"
	"time"

	"github.com/plumehq/plume/internal/event"
)

// Store errors. The engine translates these into retry or conflict handling.
var (
	// ErrNotFound means no person is mapped to the distinct id.
	ErrNotFound = errors.New("person not found")
	// ErrDistinctIDTaken means another person already owns the distinct id.
	// Raised on concurrent creation races; the caller re-reads the mapping.
	ErrDistinctIDTaken = errors.New("distinct id already mapped")
	// ErrVersionConflict means a guarded update observed a stale version.
	ErrVersionConflict = errors.New("person version conflict")
)

// Store persists persons and their distinct-id mappings. All mutations are
// version-guarded so that concurrent writers converge instead of clobbering
// each other.
type Store interface {
	// FetchByDistinctID resolves the current person for a distinct id.
	FetchByDistinctID(ctx context.Context, teamID int64, distinctID string) (*event.Person, error)

	// Create inserts a new person owning the given distinct ids. Returns
	// ErrDistinctIDTaken when any of them is already mapped.
	Create(ctx context.Context, p *event.Person, distinctIDs []string) (*event.Person, error)

	// Update writes the person's properties and identification flag,
	// guarded by expectedVersion. The stored version is bumped on success.
	Update(ctx context.Context, p *event.Person, expectedVersion int64) (*event.Person, error)

	// AddDistinctID maps one more distinct id onto an existing person.
	AddDistinctID(ctx context.Context, teamID int64, personID int64, distinctID string) error

	// Merge folds loser into survivor in one transaction: survivor takes
	// the merged properties and the earliest created_at, every mapping of
	// loser is repointed at survivor with a bumped version, and loser is
	// deleted. Row locks are taken in deterministic order (sorted by the
	// participating distinct ids) to avoid deadlocks between concurrent
	// merges.
	Merge(ctx context.Context, args MergeArgs) (*event.Person, error)
}

// MergeArgs carries everything one merge transaction needs.
type MergeArgs struct {
	TeamID     int64
	Survivor   *event.Person
	Loser      *event.Person
	Properties event.Properties
	CreatedAt  time.Time
	// OrderedDistinctIDs are the distinct ids participating in the merge,
	// sorted; they fix the lock acquisition order.
	OrderedDistinctIDs []string
}
