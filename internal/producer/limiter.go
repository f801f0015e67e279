package producer

import (
	"fmt"
	"sync"
	"time"
)

// warningLimiter debounces ingestion warnings per (team, type) so a hot
// misbehaving client cannot flood the warnings topic.
type warningLimiter struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func newWarningLimiter(ttl time.Duration) *warningLimiter {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &warningLimiter{ttl: ttl, seen: make(map[string]time.Time)}
}

// Allow reports whether this (team, type) pair may emit now, and records the
// emission when it may.
func (l *warningLimiter) Allow(teamID int64, warningType string) bool {
	key := fmt.Sprintf("%d:%s", teamID, warningType)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.seen[key]; ok && now.Sub(last) < l.ttl {
		return false
	}
	l.seen[key] = now

	// Opportunistic cleanup keeps the map from growing unbounded.
	if len(l.seen) > 10000 {
		for k, t := range l.seen {
			if now.Sub(t) >= l.ttl {
				delete(l.seen, k)
			}
		}
	}
	return true
}
