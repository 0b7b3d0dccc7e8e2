// Package doctor runs the periodic self-repair sweep: it drops registry
// entries whose pids died without cleanup, releases ports leaked by sessions
// that no longer own processes, and reports agent-file and snapshot staleness.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/registry"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultAgentStaleAfter   = 5 * time.Minute
)

// ProcessRegistry is the subset of registry behavior the doctor inspects.
type ProcessRegistry interface {
	AllProcesses() []registry.RegisteredProcess
	ActiveSessions() []int
	Processes(sessionID int) []registry.RegisteredProcess
	CleanupOrphans(ctx context.Context) int
}

// PortAllocator exposes the assignment table and the release path the doctor
// uses to reclaim leaked ports.
type PortAllocator interface {
	Assignments() map[int]int
	Release(sessionID int)
}

// EventBus publishes health and alert events.
type EventBus interface {
	Publish(event events.Event)
}

// Config controls heartbeat cadence, the agent staleness threshold, and the
// filesystem locations the doctor inspects.
type Config struct {
	HeartbeatInterval time.Duration
	AgentStaleAfter   time.Duration
	// AgentStateDir and StatusFile may be empty; the corresponding checks
	// then report zero activity instead of failing.
	AgentStateDir string
	StatusFile    string
}

// HealthReport is emitted on every doctor heartbeat.
type HealthReport struct {
	ManagedProcesses int `json:"managed_processes"`
	ActiveSessions   int `json:"active_sessions"`
	OrphanedEntries  int `json:"orphaned_entries"`
	LeakedPorts      int `json:"leaked_ports"`
	StaleAgentFiles  int `json:"stale_agent_files"`
	// SnapshotAge is seconds since the status file was last written, or -1
	// when no snapshot exists yet.
	SnapshotAge float64   `json:"snapshot_age_seconds"`
	Heartbeat   time.Time `json:"heartbeat"`
}

// Manager executes deterministic health checks on a periodic ticker.
type Manager struct {
	registry          ProcessRegistry
	ports             PortAllocator
	bus               EventBus
	heartbeatInterval time.Duration
	agentStaleAfter   time.Duration
	agentStateDir     string
	statusFile        string
	now               func() time.Time
	newTicker         func(time.Duration) *time.Ticker
}

// NewManager builds a doctor manager with sane defaults.
func NewManager(reg ProcessRegistry, ports PortAllocator, bus EventBus, cfg Config) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("process registry is required")
	}
	if ports == nil {
		return nil, errors.New("port allocator is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.AgentStaleAfter <= 0 {
		cfg.AgentStaleAfter = defaultAgentStaleAfter
	}
	return &Manager{
		registry:          reg,
		ports:             ports,
		bus:               bus,
		heartbeatInterval: cfg.HeartbeatInterval,
		agentStaleAfter:   cfg.AgentStaleAfter,
		agentStateDir:     strings.TrimSpace(cfg.AgentStateDir),
		statusFile:        strings.TrimSpace(cfg.StatusFile),
		now:               time.Now,
		newTicker:         time.NewTicker,
	}, nil
}

// Start runs heartbeat checks until context cancellation.
func (m *Manager) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := m.newTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.bus.Publish(events.Event{
					Type:       events.EventTypeSystemAlert,
					Timestamp:  m.now().UTC(),
					EntityType: "health",
					EntityID:   "doctor",
					Payload: map[string]string{
						"error": err.Error(),
					},
					Severity: events.SeverityError,
				})
			}
		}
	}
}

// RunOnce executes one deterministic health check cycle.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	now := m.now().UTC()
	report := HealthReport{
		Heartbeat: now,
	}

	report.OrphanedEntries = m.registry.CleanupOrphans(ctx)
	report.ManagedProcesses = len(m.registry.AllProcesses())
	report.ActiveSessions = len(m.registry.ActiveSessions())
	report.LeakedPorts = m.releaseLeakedPorts()

	staleFiles, err := m.countStaleAgentFiles(now)
	if err != nil {
		return HealthReport{}, err
	}
	report.StaleAgentFiles = staleFiles

	snapshotAge, err := m.snapshotAge(now)
	if err != nil {
		return HealthReport{}, err
	}
	report.SnapshotAge = snapshotAge

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   events.SeverityInfo,
	})

	return report, nil
}

// releaseLeakedPorts frees assignments whose session owns no registered
// processes anymore. A running dev server always keeps its session populated,
// so an empty session means the holder died without releasing.
func (m *Manager) releaseLeakedPorts() int {
	assignments := m.ports.Assignments()
	sessionIDs := make([]int, 0, len(assignments))
	for sessionID := range assignments {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Ints(sessionIDs)

	leaked := 0
	for _, sessionID := range sessionIDs {
		if len(m.registry.Processes(sessionID)) > 0 {
			continue
		}
		m.ports.Release(sessionID)
		leaked++
	}
	return leaked
}

func (m *Manager) countStaleAgentFiles(now time.Time) (int, error) {
	if m.agentStateDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(m.agentStateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read agent state dir: %w", err)
	}

	stale := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime().UTC()) > m.agentStaleAfter {
			stale++
		}
	}
	return stale, nil
}

func (m *Manager) snapshotAge(now time.Time) (float64, error) {
	if m.statusFile == "" {
		return -1, nil
	}
	info, err := os.Stat(m.statusFile)
	if err != nil {
		if os.IsNotExist(err) {
			return -1, nil
		}
		return 0, fmt.Errorf("stat status file: %w", err)
	}
	return now.Sub(info.ModTime().UTC()).Seconds(), nil
}
