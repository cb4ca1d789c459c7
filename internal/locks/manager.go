// Package locks provides per-key exclusive intention locks with a bounded
// wait and timestamp-based reclaim of presumed-abandoned holders. It models a
// lightweight in-process mutex registry, not a consensus protocol; contention
// is local to one process.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const pollInterval = 10 * time.Millisecond

// Manager hands out exclusive locks keyed by arbitrary strings (here,
// "instrument|horizon"). A lock held longer than holdTimeout is presumed
// abandoned and may be force-reclaimed by the next waiter.
type Manager struct {
	mu          sync.Mutex
	entries     map[string]*entry
	holdTimeout time.Duration
	idleTimeout time.Duration
	lastSweep   time.Time
}

type entry struct {
	held       bool
	generation uint64
	acquiredAt time.Time
	touchedAt  time.Time
}

// Release frees a previously acquired lock. Releasing after a reclaim is a
// no-op; the reclaimer owns the key now.
type Release func()

// NewManager creates a lock manager. holdTimeout bounds both the wait for a
// contended key and the hold duration after which a key is reclaimable.
func NewManager(holdTimeout time.Duration) *Manager {
	return &Manager{
		entries:     make(map[string]*entry),
		holdTimeout: holdTimeout,
		idleTimeout: 10 * time.Minute,
		lastSweep:   time.Now(),
	}
}

// Acquire obtains the exclusive lock for key, waiting at most the manager's
// hold timeout. It returns false when the wait bound elapses or ctx is done;
// callers are expected to retry on their next cycle rather than block.
func (m *Manager) Acquire(ctx context.Context, key string) (Release, bool) {
	deadline := time.Now().Add(m.holdTimeout)

	for {
		if rel, ok := m.tryAcquire(key); ok {
			return rel, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(pollInterval):
		}
	}
}

// TryAcquire obtains the lock without waiting.
func (m *Manager) TryAcquire(key string) (Release, bool) {
	return m.tryAcquire(key)
}

func (m *Manager) tryAcquire(key string) (Release, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked()

	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	now := time.Now()
	e.touchedAt = now

	if e.held {
		if now.Sub(e.acquiredAt) <= m.holdTimeout {
			return nil, false
		}
		// Holder exceeded its timeout; presume it abandoned the key.
		log.Warn().Str("key", key).Dur("held_for", now.Sub(e.acquiredAt)).
			Msg("reclaiming abandoned intention lock")
	}

	e.held = true
	e.generation++
	e.acquiredAt = now
	gen := e.generation

	return func() { m.release(key, gen) }, true
}

func (m *Manager) release(key string, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.generation != generation {
		return // reclaimed in the meantime
	}
	e.held = false
}

// Held reports whether the key is currently locked and not yet reclaimable.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.held && time.Since(e.acquiredAt) <= m.holdTimeout
}

// sweepLocked drops entries idle past idleTimeout so the registry stays
// bounded under a churning instrument universe. Runs opportunistically on
// access, at most once per idle period.
func (m *Manager) sweepLocked() {
	now := time.Now()
	if now.Sub(m.lastSweep) < m.idleTimeout {
		return
	}
	m.lastSweep = now
	for key, e := range m.entries {
		if !e.held && now.Sub(e.touchedAt) > m.idleTimeout {
			delete(m.entries, key)
		}
	}
}
