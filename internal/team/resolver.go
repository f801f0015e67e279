package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/plumehq/plume/internal/event"
)

// ResolverConfig tunes the team cache.
type ResolverConfig struct {
	// TTL bounds how stale a cached team may be. Applies to both tiers.
	TTL time.Duration
	// NegativeTTL bounds how long a miss is remembered.
	NegativeTTL time.Duration
	// L2KeyPrefix prefixes all Redis keys.
	L2KeyPrefix string
}

// DefaultResolverConfig returns the default cache settings.
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		TTL:         30 * time.Second,
		NegativeTTL: 5 * time.Second,
		L2KeyPrefix: "team:",
	}
}

type cacheEntry struct {
	team      *event.Team // nil records a negative result
	expiresAt time.Time
}

// Resolver looks up teams by token or id through an in-memory TTL cache with
// an optional Redis second tier. Refreshes are deduplicated per key with
// singleflight so a cold key costs one store round-trip regardless of how
// many workers ask for it.
type Resolver struct {
	store  Store
	l2     *redis.Client
	config *ResolverConfig
	log    *logrus.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	flight  singleflight.Group
}

// NewResolver creates a Resolver. l2 may be nil to run memory-only.
func NewResolver(store Store, l2 *redis.Client, config *ResolverConfig, log *logrus.Logger) *Resolver {
	if config == nil {
		config = DefaultResolverConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Resolver{
		store:   store,
		l2:      l2,
		config:  config,
		log:     log,
		entries: make(map[string]cacheEntry),
	}
}

// ByToken resolves a team by API token. Tokens with embedded null bytes fail
// the lookup rather than reaching the store.
func (r *Resolver) ByToken(ctx context.Context, token string) (*event.Team, error) {
	if token == "" || strings.ContainsRune(token, 0) {
		return nil, ErrNotFound
	}
	return r.resolve(ctx, "token:"+token, func(ctx context.Context) (*event.Team, error) {
		return r.store.ByToken(ctx, token)
	})
}

// ByID resolves a team by numeric id.
func (r *Resolver) ByID(ctx context.Context, teamID int64) (*event.Team, error) {
	return r.resolve(ctx, "id:"+strconv.FormatInt(teamID, 10), func(ctx context.Context) (*event.Team, error) {
		return r.store.ByID(ctx, teamID)
	})
}

// MarkIngestedEvent records the team's first ingested event and refreshes
// the cached copy so subsequent events skip the write.
func (r *Resolver) MarkIngestedEvent(ctx context.Context, t *event.Team) {
	if t.IngestedEvent {
		return
	}
	if err := r.store.MarkIngestedEvent(ctx, t.ID); err != nil {
		r.log.WithFields(logrus.Fields{"team_id": t.ID, "error": err.Error()}).
			Warn("Failed to mark team first event")
		return
	}
	t.IngestedEvent = true
	r.put("id:"+strconv.FormatInt(t.ID, 10), t)
	if t.APIToken != "" {
		r.put("token:"+t.APIToken, t)
	}
}

func (r *Resolver) resolve(ctx context.Context, key string, fetch func(context.Context) (*event.Team, error)) (*event.Team, error) {
	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		if entry.team == nil {
			return nil, ErrNotFound
		}
		return entry.team, nil
	}

	v, err, _ := r.flight.Do(key, func() (any, error) {
		if t := r.l2Get(ctx, key); t != nil {
			r.put(key, t)
			return t, nil
		}

		t, err := fetch(ctx)
		if errors.Is(err, ErrNotFound) {
			r.putNegative(key)
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("team lookup failed: %w", err)
		}
		r.put(key, t)
		r.l2Set(ctx, key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*event.Team), nil
}

func (r *Resolver) put(key string, t *event.Team) {
	r.mu.Lock()
	r.entries[key] = cacheEntry{team: t, expiresAt: time.Now().Add(r.config.TTL)}
	r.mu.Unlock()
}

func (r *Resolver) putNegative(key string) {
	r.mu.Lock()
	r.entries[key] = cacheEntry{expiresAt: time.Now().Add(r.config.NegativeTTL)}
	r.mu.Unlock()
}

func (r *Resolver) l2Get(ctx context.Context, key string) *event.Team {
	if r.l2 == nil {
		return nil
	}
	raw, err := r.l2.Get(ctx, r.config.L2KeyPrefix+key).Bytes()
	if err != nil {
		return nil
	}
	var t event.Team
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil
	}
	return &t
}

func (r *Resolver) l2Set(ctx context.Context, key string, t *event.Team) {
	if r.l2 == nil {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := r.l2.Set(ctx, r.config.L2KeyPrefix+key, raw, r.config.TTL).Err(); err != nil {
		r.log.WithField("error", err.Error()).Debug("Team cache L2 write failed")
	}
}
