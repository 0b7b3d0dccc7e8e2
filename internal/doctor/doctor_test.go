package doctor

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/registry"
)

func TestNewManagerValidatesInputsAndDefaults(t *testing.T) {
	reg := &fakeRegistry{}
	ports := &fakePorts{}
	bus := &fakeEventBus{}

	if _, err := NewManager(nil, ports, bus, Config{}); err == nil {
		t.Fatal("expected error for nil registry")
	}
	if _, err := NewManager(reg, nil, bus, Config{}); err == nil {
		t.Fatal("expected error for nil port allocator")
	}
	if _, err := NewManager(reg, ports, nil, Config{}); err == nil {
		t.Fatal("expected error for nil event bus")
	}

	manager, err := NewManager(reg, ports, bus, Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if manager.heartbeatInterval != defaultHeartbeatInterval {
		t.Fatalf("heartbeatInterval = %s, want %s", manager.heartbeatInterval, defaultHeartbeatInterval)
	}
	if manager.agentStaleAfter != defaultAgentStaleAfter {
		t.Fatalf("agentStaleAfter = %s, want %s", manager.agentStaleAfter, defaultAgentStaleAfter)
	}
}

func TestRunOnceRepairsOrphansAndLeakedPorts(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	reg := &fakeRegistry{
		orphansCleaned: 1,
		processes: map[int][]registry.RegisteredProcess{
			1: {{PID: 100, SessionID: 1}},
		},
		all:    []registry.RegisteredProcess{{PID: 100, SessionID: 1}},
		active: []int{1},
	}
	ports := &fakePorts{
		assignments: map[int]int{1: 3000, 2: 3001, 3: 3002},
	}
	bus := &fakeEventBus{}

	manager, err := NewManager(reg, ports, bus, Config{
		HeartbeatInterval: 50 * time.Millisecond,
		AgentStaleAfter:   5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}

	if report.OrphanedEntries != 1 {
		t.Fatalf("OrphanedEntries = %d, want 1", report.OrphanedEntries)
	}
	if report.ManagedProcesses != 1 {
		t.Fatalf("ManagedProcesses = %d, want 1", report.ManagedProcesses)
	}
	if report.ActiveSessions != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", report.ActiveSessions)
	}
	if report.LeakedPorts != 2 {
		t.Fatalf("LeakedPorts = %d, want 2", report.LeakedPorts)
	}
	if !report.Heartbeat.Equal(now) {
		t.Fatalf("Heartbeat = %s, want %s", report.Heartbeat, now)
	}

	// Sessions 2 and 3 hold ports without owning a single process.
	if !reflect.DeepEqual(ports.released, []int{2, 3}) {
		t.Fatalf("released sessions = %v, want [2 3]", ports.released)
	}

	if count := bus.countByType(events.EventTypeHealthCheck); count != 1 {
		t.Fatalf("health check events = %d, want 1", count)
	}
	published, ok := bus.lastByType(events.EventTypeHealthCheck)
	if !ok {
		t.Fatal("expected a published health check event")
	}
	payload, ok := published.Payload.(HealthReport)
	if !ok {
		t.Fatalf("payload type = %T, want HealthReport", published.Payload)
	}
	if payload.LeakedPorts != 2 {
		t.Fatalf("published LeakedPorts = %d, want 2", payload.LeakedPorts)
	}
}

func TestRunOnceCountsStaleAgentFilesAndSnapshotAge(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	stateDir := t.TempDir()
	statusFile := filepath.Join(t.TempDir(), "dev-servers.json")

	writeAged(t, filepath.Join(stateDir, "agent-7.json"), now.Add(-10*time.Minute))
	writeAged(t, filepath.Join(stateDir, "agent-8.json"), now.Add(-30*time.Second))
	writeAged(t, filepath.Join(stateDir, "notes.txt"), now.Add(-time.Hour))
	if err := os.MkdirAll(filepath.Join(stateDir, "archive"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, statusFile, now.Add(-42*time.Second))

	manager, err := NewManager(&fakeRegistry{}, &fakePorts{}, &fakeEventBus{}, Config{
		AgentStaleAfter: 5 * time.Minute,
		AgentStateDir:   stateDir,
		StatusFile:      statusFile,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.StaleAgentFiles != 1 {
		t.Fatalf("StaleAgentFiles = %d, want 1", report.StaleAgentFiles)
	}
	if report.SnapshotAge != 42 {
		t.Fatalf("SnapshotAge = %v, want 42", report.SnapshotAge)
	}
}

func TestRunOnceTreatsMissingPathsAsEmpty(t *testing.T) {
	now := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	manager, err := NewManager(&fakeRegistry{}, &fakePorts{}, &fakeEventBus{}, Config{
		AgentStateDir: missing,
		StatusFile:    filepath.Join(missing, "dev-servers.json"),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if report.StaleAgentFiles != 0 {
		t.Fatalf("StaleAgentFiles = %d, want 0", report.StaleAgentFiles)
	}
	if report.SnapshotAge != -1 {
		t.Fatalf("SnapshotAge = %v, want -1 for a missing snapshot", report.SnapshotAge)
	}
}

func TestRunOncePropagatesAgentDirErrors(t *testing.T) {
	// A regular file where the state directory should be makes ReadDir fail
	// with something other than not-exist.
	notADir := filepath.Join(t.TempDir(), "agent-state")
	if err := os.WriteFile(notADir, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	manager, err := NewManager(&fakeRegistry{}, &fakePorts{}, &fakeEventBus{}, Config{
		AgentStateDir: notADir,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := manager.RunOnce(context.Background()); err == nil {
		t.Fatal("expected run once error when the agent state dir is unreadable")
	}
}

func TestStartRunsUntilCancelled(t *testing.T) {
	bus := &fakeEventBus{}
	manager, err := NewManager(&fakeRegistry{}, &fakePorts{}, bus, Config{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		manager.Start(ctx)
	}()

	time.Sleep(75 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("doctor start did not stop on context cancellation")
	}
	if count := bus.countByType(events.EventTypeHealthCheck); count < 2 {
		t.Fatalf("health check event count = %d, want at least 2", count)
	}
}

func writeAged(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

type fakeRegistry struct {
	mu             sync.Mutex
	orphansCleaned int
	processes      map[int][]registry.RegisteredProcess
	all            []registry.RegisteredProcess
	active         []int
}

func (f *fakeRegistry) AllProcesses() []registry.RegisteredProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.RegisteredProcess(nil), f.all...)
}

func (f *fakeRegistry) ActiveSessions() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.active...)
}

func (f *fakeRegistry) Processes(sessionID int) []registry.RegisteredProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registry.RegisteredProcess(nil), f.processes[sessionID]...)
}

func (f *fakeRegistry) CleanupOrphans(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orphansCleaned
}

type fakePorts struct {
	mu          sync.Mutex
	assignments map[int]int
	released    []int
}

func (f *fakePorts) Assignments() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int, len(f.assignments))
	for sessionID, port := range f.assignments {
		out[sessionID] = port
	}
	return out
}

func (f *fakePorts) Release(sessionID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, sessionID)
	delete(f.assignments, sessionID)
}

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEventBus) Publish(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func (f *fakeEventBus) lastByType(eventType string) (events.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].Type == eventType {
			return f.events[i], true
		}
	}
	return events.Event{}, false
}

var (
	_ ProcessRegistry = (*fakeRegistry)(nil)
	_ PortAllocator   = (*fakePorts)(nil)
	_ EventBus        = (*fakeEventBus)(nil)
)
