package team

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/internal/event"
)

// countingStore is a Store fake that counts lookups.
type countingStore struct {
	mu      sync.Mutex
	teams   map[string]*event.Team
	lookups atomic.Int64
	fail    error
}

func newCountingStore(teams ...*event.Team) *countingStore {
	s := &countingStore{teams: map[string]*event.Team{}}
	for _, t := range teams {
		s.teams[t.APIToken] = t
	}
	return s
}

func (s *countingStore) ByToken(_ context.Context, token string) (*event.Team, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if t, ok := s.teams[token]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

func (s *countingStore) ByID(_ context.Context, teamID int64) (*event.Team, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.teams {
		if t.ID == teamID {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (s *countingStore) MarkIngestedEvent(_ context.Context, teamID int64) error {
	return nil
}

func testTeamRow() *event.Team {
	return &event.Team{ID: 1, ProjectID: 10, APIToken: "phc_token", Name: "test"}
}

func TestDefaultResolverConfig(t *testing.T) {
	cfg := DefaultResolverConfig()

	assert.Equal(t, 30*time.Second, cfg.TTL)
	assert.Equal(t, 5*time.Second, cfg.NegativeTTL)
	assert.Equal(t, "team:", cfg.L2KeyPrefix)
}

func TestResolver_CachesByToken(t *testing.T) {
	store := newCountingStore(testTeamRow())
	r := NewResolver(store, nil, nil, nil)
	ctx := context.Background()

	first, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	second, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), store.lookups.Load(), "second hit served from cache")
}

func TestResolver_TTLExpiry(t *testing.T) {
	store := newCountingStore(testTeamRow())
	cfg := DefaultResolverConfig()
	cfg.TTL = 20 * time.Millisecond
	r := NewResolver(store, nil, cfg, nil)
	ctx := context.Background()

	_, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	_, err = r.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.lookups.Load(), "expired entry refreshed")
}

func TestResolver_NullByteTokenFails(t *testing.T) {
	store := newCountingStore(testTeamRow())
	r := NewResolver(store, nil, nil, nil)

	_, err := r.ByToken(context.Background(), "phc_\x00token")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(0), store.lookups.Load(), "never reaches the store")
}

func TestResolver_EmptyTokenFails(t *testing.T) {
	r := NewResolver(newCountingStore(), nil, nil, nil)
	_, err := r.ByToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_NegativeCaching(t *testing.T) {
	store := newCountingStore()
	r := NewResolver(store, nil, nil, nil)
	ctx := context.Background()

	_, err := r.ByToken(ctx, "phc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.ByToken(ctx, "phc_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(1), store.lookups.Load(), "miss remembered for the negative TTL")
}

func TestResolver_StoreErrorPropagates(t *testing.T) {
	store := newCountingStore(testTeamRow())
	store.fail = errors.New("connection refused")
	r := NewResolver(store, nil, nil, nil)

	_, err := r.ByToken(context.Background(), "phc_token")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestResolver_ByID(t *testing.T) {
	store := newCountingStore(testTeamRow())
	r := NewResolver(store, nil, nil, nil)
	ctx := context.Background()

	team, err := r.ByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), team.ProjectID)

	_, err = r.ByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_L2Tier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	store := newCountingStore(testTeamRow())
	cfg := DefaultResolverConfig()
	r := NewResolver(store, client, cfg, nil)

	_, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	require.Equal(t, int64(1), store.lookups.Load())

	// A fresh resolver sharing the Redis tier serves the key without a
	// store round-trip.
	r2 := NewResolver(store, client, cfg, nil)
	team, err := r2.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	assert.Equal(t, int64(1), team.ID)
	assert.Equal(t, int64(1), store.lookups.Load(), "L2 hit avoided the store")
}

func TestResolver_MarkIngestedEventRefreshesCache(t *testing.T) {
	store := newCountingStore(testTeamRow())
	r := NewResolver(store, nil, nil, nil)
	ctx := context.Background()

	team, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	require.False(t, team.IngestedEvent)

	r.MarkIngestedEvent(ctx, team)
	assert.True(t, team.IngestedEvent)

	cached, err := r.ByToken(ctx, "phc_token")
	require.NoError(t, err)
	assert.True(t, cached.IngestedEvent)
}
