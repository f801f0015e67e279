package person

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/plumehq/plume/internal/event"
)

// MemoryStore is an in-process Store with the same concurrency semantics as
// the Postgres implementation (version guards, unique distinct-id mappings).
// Used by tests and by pipeline components that want a store fake.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	persons  map[int64]*event.Person // by person id
	mappings map[string]int64        // team/distinct key -> person id
	versions map[string]int64        // mapping versions
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		persons:  make(map[int64]*event.Person),
		mappings: make(map[string]int64),
		versions: make(map[string]int64),
	}
}

func mappingKey(teamID int64, distinctID string) string {
	return fmt.Sprintf("%d\x00%s", teamID, distinctID)
}

// FetchByDistinctID resolves the current person for a distinct id.
func (s *MemoryStore) FetchByDistinctID(_ context.Context, teamID int64, distinctID string) (*event.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.mappings[mappingKey(teamID, distinctID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePerson(s.persons[id]), nil
}

// Create inserts a new person owning the given distinct ids.
func (s *MemoryStore) Create(_ context.Context, p *event.Person, distinctIDs []string) (*event.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, distinctID := range distinctIDs {
		if _, taken := s.mappings[mappingKey(p.TeamID, distinctID)]; taken {
			return nil, ErrDistinctIDTaken
		}
	}

	created := clonePerson(p)
	created.ID = s.nextID
	created.Version = 0
	s.nextID++
	s.persons[created.ID] = clonePerson(created)
	for _, distinctID := range distinctIDs {
		s.mappings[mappingKey(p.TeamID, distinctID)] = created.ID
		s.versions[mappingKey(p.TeamID, distinctID)] = 0
	}
	return created, nil
}

// Update writes properties and identification state guarded by version.
func (s *MemoryStore) Update(_ context.Context, p *event.Person, expectedVersion int64) (*event.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.persons[p.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	stored.Properties = p.Properties.Clone()
	stored.IsIdentified = p.IsIdentified
	stored.Version++
	return clonePerson(stored), nil
}

// AddDistinctID maps an additional distinct id onto the person.
func (s *MemoryStore) AddDistinctID(_ context.Context, teamID int64, personID int64, distinctID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mappingKey(teamID, distinctID)
	if _, taken := s.mappings[key]; taken {
		return ErrDistinctIDTaken
	}
	s.mappings[key] = personID
	s.versions[key] = 0
	return nil
}

// Merge folds loser into survivor.
func (s *MemoryStore) Merge(_ context.Context, args MergeArgs) (*event.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	survivor, ok := s.persons[args.Survivor.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if survivor.Version != args.Survivor.Version {
		return nil, ErrVersionConflict
	}
	loser, ok := s.persons[args.Loser.ID]
	if !ok {
		// Merge already completed by a concurrent writer.
		return nil, ErrVersionConflict
	}

	survivor.Properties = args.Properties.Clone()
	survivor.CreatedAt = args.CreatedAt
	survivor.IsIdentified = true
	survivor.Version++

	for key, id := range s.mappings {
		if id == loser.ID {
			s.mappings[key] = survivor.ID
			s.versions[key]++
		}
	}
	delete(s.persons, loser.ID)

	return clonePerson(survivor), nil
}

// DistinctIDs returns every distinct id currently mapped to the person.
// Test helper.
func (s *MemoryStore) DistinctIDs(teamID int64, personID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := fmt.Sprintf("%d\x00", teamID)
	var out []string
	for key, id := range s.mappings {
		if id == personID && strings.HasPrefix(key, prefix) {
			out = append(out, key[len(prefix):])
		}
	}
	return out
}

// PersonCount reports how many persons exist. Test helper.
func (s *MemoryStore) PersonCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persons)
}

func clonePerson(p *event.Person) *event.Person {
	if p == nil {
		return nil
	}
	out := *p
	out.Properties = p.Properties.Clone()
	return &out
}
