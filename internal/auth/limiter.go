package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// tokenLimiters enforces each token's per-minute budget with one token-bucket
// limiter per token id. Stale entries are pruned opportunistically; budgets
// changed via UpdateToken are picked up by dropping the entry.
type tokenLimiters struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	lim       *rate.Limiter
	perMinute int
	seen      time.Time
}

func newTokenLimiters() *tokenLimiters {
	return &tokenLimiters{entries: make(map[string]*limiterEntry)}
}

// allow reports whether the token may proceed under its per-minute budget.
// A non-positive budget disables enforcement for that token.
func (l *tokenLimiters) allow(id string, perMinute int, now time.Time) bool {
	if perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok || entry.perMinute != perMinute {
		entry = &limiterEntry{
			lim:       rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
			perMinute: perMinute,
		}
		l.entries[id] = entry
	}
	entry.seen = now
	l.pruneLocked(now)
	return entry.lim.AllowN(now, 1)
}

func (l *tokenLimiters) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

func (l *tokenLimiters) pruneLocked(now time.Time) {
	if len(l.entries) < 1024 {
		return
	}
	for id, entry := range l.entries {
		if now.Sub(entry.seen) > limiterIdleTTL {
			delete(l.entries, id)
		}
	}
}
