// Package ports assigns dev-server ports to sessions from a fixed inclusive
// range. Availability reflects real OS bind-ability, not just internal
// bookkeeping, because external processes may already occupy a port.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/podium-dev/podium/internal/telemetry/invariants"
)

const (
	// DefaultRangeStart is the first port of the default allocation range.
	DefaultRangeStart = 3000
	// DefaultRangeEnd is the last port of the default allocation range.
	DefaultRangeEnd = 3099
)

// ErrNoPortsAvailable indicates the entire configured range is exhausted.
var ErrNoPortsAvailable = errors.New("no ports available in configured range")

// Config controls the allocation range and the availability probe.
type Config struct {
	RangeStart int
	RangeEnd   int
	// PortChecker overrides the OS bind probe. Nil selects the real probe.
	PortChecker func(port int) bool
}

// Allocator hands out at most one port per session.
type Allocator struct {
	mu          sync.Mutex
	rangeStart  int
	rangeEnd    int
	assignments map[int]int
	portChecker func(port int) bool
}

// NewAllocator builds a port allocator with default range where omitted.
func NewAllocator(cfg Config) (*Allocator, error) {
	start := cfg.RangeStart
	if start <= 0 {
		start = DefaultRangeStart
	}
	end := cfg.RangeEnd
	if end <= 0 {
		end = DefaultRangeEnd
	}
	if end < start {
		return nil, fmt.Errorf("port range end %d before start %d", end, start)
	}

	checker := cfg.PortChecker
	if checker == nil {
		checker = defaultIsPortAvailable
	}

	return &Allocator{
		rangeStart:  start,
		rangeEnd:    end,
		assignments: make(map[int]int),
		portChecker: checker,
	}, nil
}

// Assign returns a port for the session, preferring the caller-supplied port
// when it is free. A session that already holds a port gets that port back.
func (a *Allocator) Assign(ctx context.Context, sessionID int, preferred int) (int, error) {
	if a == nil {
		return 0, errors.New("port allocator is nil")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.assignments[sessionID]; ok {
		return existing, nil
	}

	if preferred >= a.rangeStart && preferred <= a.rangeEnd && a.freeLocked(preferred) {
		return a.recordLocked(ctx, "ports.Allocator.Assign", sessionID, preferred), nil
	}

	for port := a.rangeStart; port <= a.rangeEnd; port++ {
		if !a.freeLocked(port) {
			continue
		}
		return a.recordLocked(ctx, "ports.Allocator.Assign", sessionID, port), nil
	}

	return 0, fmt.Errorf("assign port for session %d: %w", sessionID, ErrNoPortsAvailable)
}

// Reserve records a session-to-port assignment without consulting the bind
// probe. Snapshot recovery uses it: a recorded server may still be alive and
// listening on the very port being re-registered, so the probe would reject
// exactly the port that must be kept.
func (a *Allocator) Reserve(ctx context.Context, sessionID int, port int) error {
	if a == nil {
		return errors.New("port allocator is nil")
	}
	if port < a.rangeStart || port > a.rangeEnd {
		return fmt.Errorf("port %d outside range %d-%d", port, a.rangeStart, a.rangeEnd)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.assignments[sessionID]; ok {
		if existing == port {
			return nil
		}
		return fmt.Errorf("session %d already holds port %d", sessionID, existing)
	}
	for holder, assigned := range a.assignments {
		if assigned == port {
			return fmt.Errorf("port %d is already held by session %d", port, holder)
		}
	}
	a.recordLocked(ctx, "ports.Allocator.Reserve", sessionID, port)
	return nil
}

// Release frees the session's port. Releasing an unknown session is a no-op.
func (a *Allocator) Release(sessionID int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assignments, sessionID)
}

// PortFor reports the port currently held by the session.
func (a *Allocator) PortFor(sessionID int) (int, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.assignments[sessionID]
	return port, ok
}

// Assignments returns a copy of the session-to-port map.
func (a *Allocator) Assignments() map[int]int {
	if a == nil {
		return map[int]int{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[int]int, len(a.assignments))
	for sessionID, port := range a.assignments {
		out[sessionID] = port
	}
	return out
}

// IsAvailable reports whether a port is both unassigned and bindable.
func (a *Allocator) IsAvailable(port int) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLocked(port)
}

// AvailablePorts returns up to count free ports from the range in ascending order.
func (a *Allocator) AvailablePorts(count int) []int {
	if a == nil || count <= 0 {
		return []int{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]int, 0, count)
	for port := a.rangeStart; port <= a.rangeEnd && len(out) < count; port++ {
		if a.freeLocked(port) {
			out = append(out, port)
		}
	}
	return out
}

func (a *Allocator) freeLocked(port int) bool {
	for _, assigned := range a.assignments {
		if assigned == port {
			return false
		}
	}
	return a.portChecker(port)
}

func (a *Allocator) recordLocked(ctx context.Context, where string, sessionID int, port int) int {
	a.assignments[sessionID] = port

	holders := make([]int, 0, 1)
	for holder, assigned := range a.assignments {
		if assigned == port {
			holders = append(holders, holder)
		}
	}
	sort.Ints(holders)
	invariants.CheckPortAssignmentUnique(ctx, where, port, holders)

	return port
}

func defaultIsPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
