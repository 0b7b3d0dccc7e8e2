// Package agentstate watches the directory of per-agent status files written
// by the external reporter protocol. Each poll builds a wholesale replacement
// map; downstream updates fire only when the map differs, and a transition
// into the finished state notifies exactly once.
package agentstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/state"
	"github.com/podium-dev/podium/internal/telemetry/invariants"
)

const (
	// DefaultPollInterval is the state-directory poll cadence.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultStaleAfter is the age threshold after which a state file is
	// deleted instead of parsed.
	DefaultStaleAfter = 5 * time.Minute

	agentIDPrefix = "agent-"
)

// AgentStatus is one agent's reported state as read from its status file.
// Stale is derived from the payload timestamp, never written by the reporter.
type AgentStatus struct {
	AgentID          string    `json:"agentId"`
	State            string    `json:"state"`
	Message          string    `json:"message,omitempty"`
	NeedsInputPrompt *string   `json:"needsInputPrompt,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Stale            bool      `json:"-"`
}

// AgentIDForSession renders the reporter protocol's agent id convention.
func AgentIDForSession(sessionID int) string {
	return agentIDPrefix + strconv.Itoa(sessionID)
}

// SessionIDFromAgentID parses the session id back out of an agent id.
func SessionIDFromAgentID(agentID string) (int, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(agentID), agentIDPrefix)
	if !ok {
		return 0, false
	}
	sessionID, err := strconv.Atoi(rest)
	if err != nil || sessionID <= 0 {
		return 0, false
	}
	return sessionID, true
}

// Options configures an agent state monitor.
type Options struct {
	// StateDir is the directory of {agentId}.json files. Required.
	StateDir     string
	Bus          events.Bus
	Logger       *log.Logger
	PollInterval time.Duration
	StaleAfter   time.Duration
	// OnFinished fires exactly once per transition into the finished state.
	OnFinished func(AgentStatus)
	// OnChange receives the replacement map when it differs from the last one.
	OnChange func(map[string]AgentStatus)
}

// Monitor polls the agent state directory and owns file deletion.
type Monitor struct {
	stateDir     string
	bus          events.Bus
	logger       *log.Logger
	pollInterval time.Duration
	staleAfter   time.Duration
	onFinished   func(AgentStatus)
	onChange     func(map[string]AgentStatus)

	mu            sync.Mutex
	agents        map[string]AgentStatus
	finishedFires map[string]int
	cancel        context.CancelFunc
	done          chan struct{}

	now func() time.Time
}

// New creates an agent state monitor with default cadence where omitted.
func New(opts Options) (*Monitor, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("state directory is required")
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	return &Monitor{
		stateDir:      stateDir,
		bus:           opts.Bus,
		logger:        opts.Logger,
		pollInterval:  pollInterval,
		staleAfter:    staleAfter,
		onFinished:    opts.OnFinished,
		onChange:      opts.OnChange,
		agents:        make(map[string]AgentStatus),
		finishedFires: make(map[string]int),
		now:           time.Now,
	}, nil
}

// Agents returns a copy of the last published agent map.
func (m *Monitor) Agents() map[string]AgentStatus {
	if m == nil {
		return map[string]AgentStatus{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyAgentMap(m.agents)
}

// AgentForSession reports the status for one session's agent.
func (m *Monitor) AgentForSession(sessionID int) (AgentStatus, bool) {
	if m == nil {
		return AgentStatus{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.agents[AgentIDForSession(sessionID)]
	return status, ok
}

// Poll reads the state directory once, updates the in-memory map, and fires
// change and finished notifications. A missing directory is an empty map.
func (m *Monitor) Poll(ctx context.Context) (map[string]AgentStatus, error) {
	if m == nil {
		return nil, errors.New("monitor is nil")
	}

	fresh, err := m.readStateDir()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	changed := !agentMapsEqual(m.agents, fresh)
	finished := make([]AgentStatus, 0)
	for agentID, status := range fresh {
		prev, had := m.agents[agentID]
		if status.State == state.AgentFinished && (!had || prev.State != state.AgentFinished) {
			m.finishedFires[agentID]++
			finished = append(finished, status)
		}
		if status.State != state.AgentFinished {
			delete(m.finishedFires, agentID)
		}
	}
	for agentID := range m.agents {
		if _, ok := fresh[agentID]; !ok {
			delete(m.finishedFires, agentID)
		}
	}
	fireCounts := make(map[string]int, len(finished))
	for _, status := range finished {
		fireCounts[status.AgentID] = m.finishedFires[status.AgentID]
	}
	if changed {
		m.agents = copyAgentMap(fresh)
	}
	m.mu.Unlock()

	for _, status := range finished {
		invariants.CheckFinishedNotifiedOnce(ctx, "agentstate.Monitor.Poll", status.AgentID, fireCounts[status.AgentID])
		if m.onFinished != nil {
			m.onFinished(status)
		}
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:       events.EventTypeAgentFinished,
				Timestamp:  m.now().UTC(),
				EntityType: "agent",
				EntityID:   status.AgentID,
				Payload:    status,
				Severity:   events.SeverityInfo,
			})
		}
	}

	if changed {
		if m.onChange != nil {
			m.onChange(copyAgentMap(fresh))
		}
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type:       events.EventTypeAgentStateChanged,
				Timestamp:  m.now().UTC(),
				EntityType: "agent",
				EntityID:   "monitor",
				Payload:    copyAgentMap(fresh),
				Severity:   events.SeverityInfo,
			})
		}
	}

	return copyAgentMap(fresh), nil
}

// Start launches the periodic poll loop. A second Start is a no-op until Stop.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.Poll(loopCtx); err != nil && m.logger != nil {
					m.logger.With("error", err.Error()).Warn("agent state poll failed")
				}
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RemoveAgent deletes the agent's backing file and in-memory entry so a stale
// finished state cannot re-trigger after a monitor restart.
func (m *Monitor) RemoveAgent(agentID string) error {
	if m == nil {
		return errors.New("monitor is nil")
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return errors.New("agent id is required")
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	delete(m.finishedFires, agentID)
	m.mu.Unlock()

	path := m.stateFilePath(agentID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent state file %s: %w", path, err)
	}
	return nil
}

// RemoveAgentForSession removes the session's agent by id convention.
func (m *Monitor) RemoveAgentForSession(sessionID int) error {
	if m == nil {
		return errors.New("monitor is nil")
	}
	if sessionID <= 0 {
		return fmt.Errorf("session id %d is not valid", sessionID)
	}
	return m.RemoveAgent(AgentIDForSession(sessionID))
}

// StateDir reports the directory the monitor watches.
func (m *Monitor) StateDir() string {
	if m == nil {
		return ""
	}
	return m.stateDir
}

func (m *Monitor) stateFilePath(agentID string) string {
	return filepath.Join(m.stateDir, agentID+".json")
}

// readStateDir builds the replacement map: stale files are deleted and
// skipped, unparsable files are skipped without deleting (the reporter may
// still be mid-write).
func (m *Monitor) readStateDir() (map[string]AgentStatus, error) {
	fresh := make(map[string]AgentStatus)

	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fresh, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	now := m.now().UTC()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(m.stateDir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime().UTC()) > m.staleAfter {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && m.logger != nil {
				m.logger.With("file", path, "error", err.Error()).Warn("failed to delete stale agent state file")
			}
			continue
		}

		status, ok := m.parseStateFile(path, entry.Name(), now)
		if !ok {
			continue
		}
		fresh[status.AgentID] = status
	}
	return fresh, nil
}

func (m *Monitor) parseStateFile(path string, fileName string, now time.Time) (AgentStatus, bool) {
	// #nosec G304 -- paths come from enumerating the fixed state directory.
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentStatus{}, false
	}

	var status AgentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		if m.logger != nil {
			m.logger.With("file", path).Debug("skipping unparsable agent state file")
		}
		return AgentStatus{}, false
	}

	status.AgentID = strings.TrimSpace(status.AgentID)
	if status.AgentID == "" {
		status.AgentID = strings.TrimSuffix(fileName, ".json")
	}

	parsed, err := state.ParseAgentState(status.State)
	if err != nil {
		if m.logger != nil {
			m.logger.With(
				"file", path,
				"state", status.State,
				"known", strings.Join(state.KnownAgentStates(), ","),
			).Debug("skipping agent state file with unknown state")
		}
		return AgentStatus{}, false
	}
	status.State = parsed

	if !status.Timestamp.IsZero() && now.Sub(status.Timestamp.UTC()) > m.staleAfter {
		status.Stale = true
	}
	return status, true
}

func copyAgentMap(in map[string]AgentStatus) map[string]AgentStatus {
	out := make(map[string]AgentStatus, len(in))
	for agentID, status := range in {
		out[agentID] = status
	}
	return out
}

func agentMapsEqual(a, b map[string]AgentStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for agentID, left := range a {
		right, ok := b[agentID]
		if !ok || !statusEqual(left, right) {
			return false
		}
	}
	return true
}

func statusEqual(a, b AgentStatus) bool {
	if a.AgentID != b.AgentID || a.State != b.State || a.Message != b.Message {
		return false
	}
	if !a.Timestamp.Equal(b.Timestamp) || a.Stale != b.Stale {
		return false
	}
	if (a.NeedsInputPrompt == nil) != (b.NeedsInputPrompt == nil) {
		return false
	}
	if a.NeedsInputPrompt != nil && *a.NeedsInputPrompt != *b.NeedsInputPrompt {
		return false
	}
	return true
}
