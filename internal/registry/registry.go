// Package registry is the source of truth for supervised processes: it maps
// pid to session and source, owns process-group bookkeeping, and runs the
// two-phase group termination used by session cleanup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/proctree"
	"github.com/podium-dev/podium/internal/telemetry/invariants"
)

// DefaultKillGracePeriod is the SIGTERM grace window applied during session cleanup.
const DefaultKillGracePeriod = 3 * time.Second

// Source tags who spawned a registered process.
type Source string

const (
	// SourceTerminal marks interactive shell processes.
	SourceTerminal Source = "terminal"
	// SourceDevServer marks supervised development servers.
	SourceDevServer Source = "dev-server"
	// SourceBackground marks background worker processes.
	SourceBackground Source = "background"
	// SourceSystem marks processes registered on behalf of the system itself.
	SourceSystem Source = "system"
)

// ParseSource validates a source tag string.
func ParseSource(value string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(value))) {
	case SourceTerminal:
		return SourceTerminal, nil
	case SourceDevServer:
		return SourceDevServer, nil
	case SourceBackground:
		return SourceBackground, nil
	case SourceSystem:
		return SourceSystem, nil
	default:
		return "", fmt.Errorf("unsupported process source %q", value)
	}
}

// RegisteredProcess is one supervised OS process. Entries are immutable after
// creation; removal is the only lifecycle change.
type RegisteredProcess struct {
	ID           string
	PID          int
	PGID         int
	SessionID    int
	Source       Source
	Command      string
	WorkingDir   string
	RegisteredAt time.Time
}

// Registration carries the inputs for one Register call. PGID defaults to PID
// when zero.
type Registration struct {
	PID        int
	PGID       int
	SessionID  int
	Source     Source
	Command    string
	WorkingDir string
}

// Terminator applies escalating SIGTERM -> grace -> SIGKILL termination.
type Terminator interface {
	Terminate(ctx context.Context, target proctree.Target, gracePeriod time.Duration) error
}

// ProcessChecker probes whether a pid is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

// Options configures a process registry.
type Options struct {
	Terminator      Terminator
	Checker         ProcessChecker
	Bus             events.Bus
	KillGracePeriod time.Duration
	// OnRegister and OnUnregister fire outside the registry lock after each
	// successful mutation.
	OnRegister   func(RegisteredProcess)
	OnUnregister func(RegisteredProcess)
}

// Registry owns the pid-to-process map and the session index, in lock-step.
type Registry struct {
	mu        sync.Mutex
	processes map[int]RegisteredProcess
	sessions  map[int]map[int]struct{}

	terminator   Terminator
	checker      ProcessChecker
	bus          events.Bus
	killGrace    time.Duration
	onRegister   func(RegisteredProcess)
	onUnregister func(RegisteredProcess)

	terminations sync.WaitGroup
	newID        func() string
	now          func() time.Time
}

// New creates a process registry with default dependencies where omitted.
func New(opts Options) (*Registry, error) {
	terminator := opts.Terminator
	if terminator == nil {
		tree, err := proctree.New(proctree.Options{})
		if err != nil {
			return nil, fmt.Errorf("build default terminator: %w", err)
		}
		terminator = tree
	}

	checker := opts.Checker
	if checker == nil {
		tree, err := proctree.New(proctree.Options{})
		if err != nil {
			return nil, fmt.Errorf("build default checker: %w", err)
		}
		checker = treeChecker{tree: tree}
	}

	killGrace := opts.KillGracePeriod
	if killGrace <= 0 {
		killGrace = DefaultKillGracePeriod
	}

	return &Registry{
		processes:    make(map[int]RegisteredProcess),
		sessions:     make(map[int]map[int]struct{}),
		terminator:   terminator,
		checker:      checker,
		bus:          opts.Bus,
		killGrace:    killGrace,
		onRegister:   opts.OnRegister,
		onUnregister: opts.OnUnregister,
		newID:        uuid.NewString,
		now:          time.Now,
	}, nil
}

type treeChecker struct {
	tree *proctree.Tree
}

func (c treeChecker) Alive(pid int) (bool, error) {
	return c.tree.Alive(proctree.Target{PID: pid})
}

// Register records one supervised process. A pid that is already registered
// is replaced, keeping the session index consistent with the process map.
func (r *Registry) Register(ctx context.Context, reg Registration) (RegisteredProcess, error) {
	if r == nil {
		return RegisteredProcess{}, errors.New("registry is nil")
	}
	if reg.PID <= 0 {
		return RegisteredProcess{}, fmt.Errorf("pid %d is not valid", reg.PID)
	}
	if reg.SessionID <= 0 {
		return RegisteredProcess{}, fmt.Errorf("session id %d is not valid", reg.SessionID)
	}
	source, err := ParseSource(string(reg.Source))
	if err != nil {
		return RegisteredProcess{}, err
	}
	command := strings.TrimSpace(reg.Command)
	if command == "" {
		return RegisteredProcess{}, errors.New("command is required")
	}

	pgid := reg.PGID
	if pgid <= 0 {
		pgid = reg.PID
	}

	process := RegisteredProcess{
		ID:           r.newID(),
		PID:          reg.PID,
		PGID:         pgid,
		SessionID:    reg.SessionID,
		Source:       source,
		Command:      command,
		WorkingDir:   strings.TrimSpace(reg.WorkingDir),
		RegisteredAt: r.now().UTC(),
	}

	r.mu.Lock()
	replaced, hadPrior := r.processes[reg.PID]
	if hadPrior {
		r.removeLocked(replaced.PID)
	}
	r.processes[process.PID] = process
	pids, ok := r.sessions[process.SessionID]
	if !ok {
		pids = make(map[int]struct{})
		r.sessions[process.SessionID] = pids
	}
	pids[process.PID] = struct{}{}
	r.verifyIndexLocked(ctx, "registry.Register")
	r.mu.Unlock()

	if hadPrior {
		r.notifyUnregister(replaced)
	}
	r.notifyRegister(process)
	return process, nil
}

// Unregister removes one process by pid and reports whether it was known.
func (r *Registry) Unregister(ctx context.Context, pid int) (RegisteredProcess, bool) {
	if r == nil {
		return RegisteredProcess{}, false
	}

	r.mu.Lock()
	process, ok := r.processes[pid]
	if ok {
		r.removeLocked(pid)
		r.verifyIndexLocked(ctx, "registry.Unregister")
	}
	r.mu.Unlock()

	if !ok {
		return RegisteredProcess{}, false
	}
	r.notifyUnregister(process)
	return process, true
}

// Processes returns the session's registered processes ordered by registration time.
func (r *Registry) Processes(sessionID int) []RegisteredProcess {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegisteredProcess, 0, len(r.sessions[sessionID]))
	for pid := range r.sessions[sessionID] {
		if process, ok := r.processes[pid]; ok {
			out = append(out, process)
		}
	}
	sortProcesses(out)
	return out
}

// AllProcesses returns every registered process ordered by registration time.
func (r *Registry) AllProcesses() []RegisteredProcess {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RegisteredProcess, 0, len(r.processes))
	for _, process := range r.processes {
		out = append(out, process)
	}
	sortProcesses(out)
	return out
}

// ActiveSessions returns session ids that currently own at least one process.
func (r *Registry) ActiveSessions() []int {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.sessions))
	for sessionID, pids := range r.sessions {
		if len(pids) > 0 {
			out = append(out, sessionID)
		}
	}
	sort.Ints(out)
	return out
}

// Contains reports whether the pid is registered.
func (r *Registry) Contains(pid int) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.processes[pid]
	return ok
}

// ManagesGroup reports whether at least one registered process carries the pgid.
func (r *Registry) ManagesGroup(pgid int) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, process := range r.processes {
		if process.PGID == pgid {
			return true
		}
	}
	return false
}

// CleanupSession removes every process the session owns and, when kill is set,
// terminates each distinct process-group with the escalating policy. The
// group ids are captured before the lock is released, so later registrations
// can never redirect an in-flight kill. Terminations run on their own
// goroutines and never hold the registry lock.
func (r *Registry) CleanupSession(ctx context.Context, sessionID int, kill bool) []RegisteredProcess {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	pids := make([]int, 0, len(r.sessions[sessionID]))
	for pid := range r.sessions[sessionID] {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	removed := make([]RegisteredProcess, 0, len(pids))
	groupSet := make(map[int]struct{})
	for _, pid := range pids {
		process, ok := r.processes[pid]
		if !ok {
			continue
		}
		removed = append(removed, process)
		groupSet[process.PGID] = struct{}{}
		r.removeLocked(pid)
	}
	r.verifyIndexLocked(ctx, "registry.CleanupSession")
	r.mu.Unlock()

	for _, process := range removed {
		r.notifyUnregister(process)
	}

	if kill {
		groups := make([]int, 0, len(groupSet))
		for pgid := range groupSet {
			groups = append(groups, pgid)
		}
		sort.Ints(groups)
		for _, pgid := range groups {
			r.terminateGroupAsync(ctx, pgid)
		}
	}
	return removed
}

// CleanupAll removes every session's processes, optionally killing each group.
func (r *Registry) CleanupAll(ctx context.Context, kill bool) []RegisteredProcess {
	if r == nil {
		return nil
	}

	removed := make([]RegisteredProcess, 0)
	for _, sessionID := range r.ActiveSessions() {
		removed = append(removed, r.CleanupSession(ctx, sessionID, kill)...)
	}
	return removed
}

// FindOrphans returns registry entries whose pid no longer exists in the OS.
// The liveness probes run outside the lock against a snapshot.
func (r *Registry) FindOrphans(ctx context.Context) []RegisteredProcess {
	if r == nil {
		return nil
	}

	snapshot := r.AllProcesses()
	orphans := make([]RegisteredProcess, 0)
	for _, process := range snapshot {
		select {
		case <-ctx.Done():
			return orphans
		default:
		}
		alive, err := r.checker.Alive(process.PID)
		if err != nil {
			continue
		}
		if !alive {
			orphans = append(orphans, process)
		}
	}
	return orphans
}

// CleanupOrphans unregisters every entry whose pid is gone and reports the count.
func (r *Registry) CleanupOrphans(ctx context.Context) int {
	if r == nil {
		return 0
	}

	cleaned := 0
	for _, orphan := range r.FindOrphans(ctx) {
		if _, ok := r.Unregister(ctx, orphan.PID); ok {
			cleaned++
		}
	}
	return cleaned
}

// WaitForTerminations blocks until every in-flight group termination finishes.
func (r *Registry) WaitForTerminations() {
	if r == nil {
		return
	}
	r.terminations.Wait()
}

func (r *Registry) terminateGroupAsync(ctx context.Context, pgid int) {
	r.terminations.Add(1)
	go func() {
		defer r.terminations.Done()
		err := r.terminator.Terminate(ctx, proctree.Target{PGID: pgid}, r.killGrace)
		if err != nil && r.bus != nil {
			r.bus.Publish(events.Event{
				Type:       events.EventTypeSystemAlert,
				Timestamp:  r.now().UTC(),
				EntityType: "process_group",
				EntityID:   fmt.Sprintf("%d", pgid),
				Payload:    map[string]string{"error": err.Error()},
				Severity:   events.SeverityWarn,
			})
		}
	}()
}

func (r *Registry) removeLocked(pid int) {
	process, ok := r.processes[pid]
	if !ok {
		return
	}
	delete(r.processes, pid)
	if pids, ok := r.sessions[process.SessionID]; ok {
		delete(pids, pid)
		if len(pids) == 0 {
			delete(r.sessions, process.SessionID)
		}
	}
}

func (r *Registry) verifyIndexLocked(ctx context.Context, whereDetected string) {
	if !invariants.Enabled() {
		return
	}

	missingFromPrimary := make([]int, 0)
	for _, pids := range r.sessions {
		for pid := range pids {
			if _, ok := r.processes[pid]; !ok {
				missingFromPrimary = append(missingFromPrimary, pid)
			}
		}
	}

	missingFromIndex := make([]int, 0)
	for pid, process := range r.processes {
		if _, ok := r.sessions[process.SessionID][pid]; !ok {
			missingFromIndex = append(missingFromIndex, pid)
		}
	}

	sort.Ints(missingFromPrimary)
	sort.Ints(missingFromIndex)
	invariants.CheckRegistryIndexConsistent(ctx, whereDetected, missingFromPrimary, missingFromIndex)
}

func (r *Registry) notifyRegister(process RegisteredProcess) {
	if r.onRegister != nil {
		r.onRegister(process)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventTypeProcessRegistered,
			Timestamp:  process.RegisteredAt,
			EntityType: "process",
			EntityID:   process.ID,
			Payload:    process,
			Severity:   events.SeverityInfo,
		})
	}
}

func (r *Registry) notifyUnregister(process RegisteredProcess) {
	if r.onUnregister != nil {
		r.onUnregister(process)
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventTypeProcessUnregistered,
			Timestamp:  r.now().UTC(),
			EntityType: "process",
			EntityID:   process.ID,
			Payload:    process,
			Severity:   events.SeverityInfo,
		})
	}
}

func sortProcesses(processes []RegisteredProcess) {
	sort.Slice(processes, func(i, j int) bool {
		if processes[i].RegisteredAt.Equal(processes[j].RegisteredAt) {
			return processes[i].PID < processes[j].PID
		}
		return processes[i].RegisteredAt.Before(processes[j].RegisteredAt)
	})
}
