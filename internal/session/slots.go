package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultMaxSessions caps concurrently active sessions when no config
// override is provided.
const DefaultMaxSessions = 12

// ErrNoSlotsAvailable indicates the concurrent-session cap is reached.
var ErrNoSlotsAvailable = errors.New("no session slots available")

// SlotPool bounds how many sessions may be active at once. A session holds at
// most one slot; re-acquiring for a held session is a no-op.
type SlotPool struct {
	mu   sync.Mutex
	max  int
	held map[int]struct{}
}

// NewSlotPool builds a pool with the given capacity, defaulting when the
// value is not positive.
func NewSlotPool(maxSessions int) *SlotPool {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &SlotPool{
		max:  maxSessions,
		held: make(map[int]struct{}),
	}
}

// Acquire reserves a slot for the session.
func (p *SlotPool) Acquire(sessionID int) error {
	if p == nil {
		return errors.New("slot pool is nil")
	}
	if sessionID <= 0 {
		return fmt.Errorf("session id %d is not valid", sessionID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.held[sessionID]; ok {
		return nil
	}
	if len(p.held) >= p.max {
		return fmt.Errorf("%w: session=%d in_use=%d max=%d", ErrNoSlotsAvailable, sessionID, len(p.held), p.max)
	}
	p.held[sessionID] = struct{}{}
	return nil
}

// Release frees the session's slot. Releasing an unknown session is a no-op.
func (p *SlotPool) Release(sessionID int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, sessionID)
}

// Held reports whether the session currently holds a slot.
func (p *SlotPool) Held(sessionID int) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[sessionID]
	return ok
}

// InUse reports how many slots are currently held.
func (p *SlotPool) InUse() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

// Capacity reports the pool size.
func (p *SlotPool) Capacity() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// HeldSessions returns the session ids currently holding slots, ascending.
func (p *SlotPool) HeldSessions() []int {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, 0, len(p.held))
	for sessionID := range p.held {
		out = append(out, sessionID)
	}
	sort.Ints(out)
	return out
}
