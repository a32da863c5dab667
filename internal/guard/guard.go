// Package guard bounds the rate of attempts per actor with a sliding
// window. State is process-local and lost on restart: this is abuse
// mitigation for retry storms, not a security boundary.
package guard

import (
	"sync"
	"time"
)

// Config is one window/limit pair. Call sites own their own instance:
// assignment attempts, general API calls and uploads are limited
// independently with different strictness.
type Config struct {
	Window      time.Duration
	MaxAttempts int
}

type Guard struct {
	cfg      Config
	mu       sync.Mutex
	attempts map[string][]time.Time
	now      func() time.Time
}

func New(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records an attempt for the actor and reports whether it fits
// the window. When rejected, retryAfter tells the caller how long until
// the oldest counted attempt slides out of the window.
func (g *Guard) Allow(actorID string) (ok bool, retryAfter time.Duration) {
	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	g.mu.Lock()
	defer g.mu.Unlock()

	kept := evict(g.attempts[actorID], cutoff)
	if len(kept) >= g.cfg.MaxAttempts {
		g.attempts[actorID] = kept
		return false, kept[0].Add(g.cfg.Window).Sub(now)
	}
	g.attempts[actorID] = append(kept, now)
	return true, 0
}

// Prune drops actors whose attempts have all aged out. Run it on a
// ticker so idle actors do not accumulate.
func (g *Guard) Prune() {
	cutoff := g.now().Add(-g.cfg.Window)
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, ts := range g.attempts {
		kept := evict(ts, cutoff)
		if len(kept) == 0 {
			delete(g.attempts, id)
			continue
		}
		g.attempts[id] = kept
	}
}

func evict(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
