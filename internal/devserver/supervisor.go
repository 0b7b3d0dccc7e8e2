// Package devserver supervises long-running development servers: one per
// session, spawned in its own process group, output streamed for URL
// detection, lifecycle tracked through the shared state machine, and every
// change re-serialized into the status snapshot.
package devserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/proctree"
	"github.com/podium-dev/podium/internal/registry"
	"github.com/podium-dev/podium/internal/session"
	"github.com/podium-dev/podium/internal/state"
	"github.com/podium-dev/podium/internal/statusfile"
)

const (
	// DefaultStopGrace is how long a server gets between SIGTERM and SIGKILL.
	DefaultStopGrace = 5 * time.Second

	// DefaultURLFallbackDelay is how long after reaching running the
	// supervisor waits for a detected URL before synthesizing one.
	DefaultURLFallbackDelay = 3 * time.Second

	// DefaultSweepInterval is the cadence of the terminal-entry purge loop.
	DefaultSweepInterval = time.Minute

	// DefaultTerminalTTL is how long stopped and errored entries stay visible.
	DefaultTerminalTTL = 5 * time.Minute

	defaultShell = "/bin/sh"
	maxLogLines  = 200
)

// ErrAlreadyRunning is returned when a session already has a live server.
var ErrAlreadyRunning = errors.New("dev server already running")

// ErrNotRunning is returned when an operation needs a live server and the
// session has none.
var ErrNotRunning = errors.New("dev server not running")

// ManagedProcess describes a freshly spawned dev server.
type ManagedProcess struct {
	SessionID  int
	PID        int
	PGID       int
	Port       int
	Command    string
	WorkingDir string
	StartedAt  time.Time
}

// OutputChunk is one streamed line of server output.
type OutputChunk struct {
	SessionID int    `json:"sessionId"`
	Stream    string `json:"stream"`
	Line      string `json:"line"`
}

// ProcessRegistry is the registry surface the supervisor needs.
type ProcessRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (registry.RegisteredProcess, error)
	Unregister(ctx context.Context, pid int) (registry.RegisteredProcess, bool)
}

// PortAllocator reserves one stable port per session. Reserve is the
// bookkeeping-only path for snapshot recovery; it must not probe the port,
// because the recorded server may still be listening on it.
type PortAllocator interface {
	Assign(ctx context.Context, sessionID int, preferred int) (int, error)
	Reserve(ctx context.Context, sessionID int, port int) error
	Release(sessionID int)
}

// Terminator runs the two-phase group termination.
type Terminator interface {
	Terminate(ctx context.Context, target proctree.Target, gracePeriod time.Duration) error
}

// Options configures a dev-server supervisor.
type Options struct {
	// Registry tracks spawned servers for cleanup. Required.
	Registry ProcessRegistry
	// Ports hands out the per-session dev port. Required.
	Ports      PortAllocator
	Bus        events.Bus
	Machine    *state.Machine
	Terminator Terminator
	Logger     *log.Logger
	// StatusPath is the shared snapshot file. Empty disables persistence.
	StatusPath       string
	StopGrace        time.Duration
	URLFallbackDelay time.Duration
	SweepInterval    time.Duration
	// TerminalTTL is how long stopped and errored entries stay in the
	// snapshot before the sweep drops them.
	TerminalTTL time.Duration
}

// server is the supervisor's record of one session's dev server.
type server struct {
	sessionID  int
	command    string
	workingDir string
	env        map[string]string
	port       int
	pid        int
	pgid       int
	status     string
	url        string
	urlSet     bool
	urlTimer   *time.Timer
	startedAt  time.Time
	endedAt    time.Time
	exitCode   *int
	stopReq    bool
	logs       []string
	exited     chan struct{}
}

// Supervisor owns the dev-server lifecycle for every session.
type Supervisor struct {
	registry         ProcessRegistry
	ports            PortAllocator
	bus              events.Bus
	machine          *state.Machine
	terminator       Terminator
	logger           *log.Logger
	statusPath       string
	stopGrace        time.Duration
	urlFallbackDelay time.Duration
	sweepInterval    time.Duration
	terminalTTL      time.Duration

	mu       sync.Mutex
	servers  map[int]*server
	sysProcs []statusfile.SystemProcess
	loopStop context.CancelFunc
	loopDone chan struct{}

	baseEnv func() []string
	now     func() time.Time
}

// New creates a supervisor and pre-books ports for servers recorded as live
// in the prior snapshot. Crashed-daemon children are never re-attached; the
// reservation only keeps their ports out of circulation until the doctor or
// a restart settles them.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("process registry is required")
	}
	if opts.Ports == nil {
		return nil, errors.New("port allocator is required")
	}

	terminator := opts.Terminator
	if terminator == nil {
		tree, err := proctree.New(proctree.Options{})
		if err != nil {
			return nil, fmt.Errorf("build default terminator: %w", err)
		}
		terminator = tree
	}
	machine := opts.Machine
	if machine == nil {
		machine = state.NewMachine(opts.Bus, "devserver")
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	urlFallbackDelay := opts.URLFallbackDelay
	if urlFallbackDelay <= 0 {
		urlFallbackDelay = DefaultURLFallbackDelay
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	terminalTTL := opts.TerminalTTL
	if terminalTTL <= 0 {
		terminalTTL = DefaultTerminalTTL
	}

	s := &Supervisor{
		registry:         opts.Registry,
		ports:            opts.Ports,
		bus:              opts.Bus,
		machine:          machine,
		terminator:       terminator,
		logger:           opts.Logger,
		statusPath:       strings.TrimSpace(opts.StatusPath),
		stopGrace:        stopGrace,
		urlFallbackDelay: urlFallbackDelay,
		sweepInterval:    sweepInterval,
		terminalTTL:      terminalTTL,
		servers:          make(map[int]*server),
		sysProcs:         []statusfile.SystemProcess{},
		baseEnv:          os.Environ,
		now:              time.Now,
	}
	s.prebookPorts()
	return s, nil
}

// StartServer spawns one dev server for the session. A session with a live
// server gets ErrAlreadyRunning; the caller stops it first.
func (s *Supervisor) StartServer(ctx context.Context, sessionID int, command string, workingDir string, preferredPort int, env map[string]string) (ManagedProcess, error) {
	if s == nil {
		return ManagedProcess{}, errors.New("supervisor is nil")
	}
	if sessionID <= 0 {
		return ManagedProcess{}, fmt.Errorf("session id %d is not valid", sessionID)
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return ManagedProcess{}, errors.New("server command is required")
	}
	if err := session.ValidateWorkingDir(workingDir); err != nil {
		return ManagedProcess{}, err
	}

	srv := &server{
		sessionID:  sessionID,
		command:    command,
		workingDir: workingDir,
		env:        copyEnvMap(env),
		status:     state.ServerStarting,
		startedAt:  s.now().UTC(),
		logs:       []string{},
	}

	s.mu.Lock()
	if existing, ok := s.servers[sessionID]; ok && !state.IsTerminalServerStatus(existing.status) {
		status := existing.status
		s.mu.Unlock()
		return ManagedProcess{}, fmt.Errorf("%w: session=%d status=%s", ErrAlreadyRunning, sessionID, status)
	}
	s.servers[sessionID] = srv
	s.mu.Unlock()

	s.publishState(srv, events.SeverityInfo)
	s.persist()

	port, err := s.ports.Assign(ctx, sessionID, preferredPort)
	if err != nil {
		s.transition(ctx, srv, state.ServerError, "port assignment failed")
		return ManagedProcess{}, fmt.Errorf("assign port for session %d: %w", sessionID, err)
	}
	s.mu.Lock()
	srv.port = port
	s.mu.Unlock()

	cmd := exec.Command(defaultShell, "-c", command)
	cmd.Dir = workingDir
	cmd.Env = s.composeEnv(sessionID, workingDir, env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.transition(ctx, srv, state.ServerError, "stdout pipe failed")
		return ManagedProcess{}, fmt.Errorf("open stdout pipe for session %d: %w", sessionID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.transition(ctx, srv, state.ServerError, "stderr pipe failed")
		return ManagedProcess{}, fmt.Errorf("open stderr pipe for session %d: %w", sessionID, err)
	}

	if err := cmd.Start(); err != nil {
		s.transition(ctx, srv, state.ServerError, "spawn failed")
		return ManagedProcess{}, fmt.Errorf("spawn dev server for session %d: %w", sessionID, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	if _, err := s.registry.Register(ctx, registry.Registration{
		PID:        pid,
		PGID:       pgid,
		SessionID:  sessionID,
		Source:     registry.SourceDevServer,
		Command:    command,
		WorkingDir: workingDir,
	}); err != nil {
		if termErr := s.terminator.Terminate(ctx, proctree.Target{PID: pid, PGID: pgid}, 0); termErr != nil && s.logger != nil {
			s.logger.With("pid", pid, "error", termErr.Error()).Warn("failed to reap unregistered dev server")
		}
		go func() { _ = cmd.Wait() }()
		s.transition(ctx, srv, state.ServerError, "registration failed")
		return ManagedProcess{}, fmt.Errorf("register dev server for session %d: %w", sessionID, err)
	}

	startedAt := s.now().UTC()
	exited := make(chan struct{})
	s.mu.Lock()
	srv.pid = pid
	srv.pgid = pgid
	srv.startedAt = startedAt
	srv.exited = exited
	s.mu.Unlock()

	s.transition(ctx, srv, state.ServerRunning, "spawned")

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		s.streamOutput(srv, "stdout", stdout)
	}()
	go func() {
		defer streams.Done()
		s.streamOutput(srv, "stderr", stderr)
	}()
	go s.waitServer(srv, cmd, &streams)

	s.mu.Lock()
	srv.urlTimer = time.AfterFunc(s.urlFallbackDelay, func() { s.fallbackURL(srv) })
	s.mu.Unlock()

	return ManagedProcess{
		SessionID:  sessionID,
		PID:        pid,
		PGID:       pgid,
		Port:       port,
		Command:    command,
		WorkingDir: workingDir,
		StartedAt:  startedAt,
	}, nil
}

// StopServer terminates the session's running server: SIGTERM to the group,
// up to the grace period, then SIGKILL. It waits for exit classification so
// the caller observes a terminal status.
func (s *Supervisor) StopServer(ctx context.Context, sessionID int) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}

	s.mu.Lock()
	srv, ok := s.servers[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: session=%d", ErrNotRunning, sessionID)
	}
	if srv.status != state.ServerRunning {
		status := srv.status
		s.mu.Unlock()
		return fmt.Errorf("%w: session=%d status=%s", ErrNotRunning, sessionID, status)
	}
	srv.stopReq = true
	pid := srv.pid
	pgid := srv.pgid
	exited := srv.exited
	s.mu.Unlock()

	s.transition(ctx, srv, state.ServerStopping, "stop requested")

	if err := s.terminator.Terminate(ctx, proctree.Target{PID: pid, PGID: pgid}, s.stopGrace); err != nil {
		if s.logger != nil {
			s.logger.With("session", sessionID, "pid", pid, "error", err.Error()).Warn("dev server termination reported error")
		}
	}

	select {
	case <-exited:
		return nil
	case <-time.After(s.stopGrace + time.Second):
		return fmt.Errorf("timed out waiting for session %d server to exit", sessionID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestartServer stops the session's server if live, then starts a fresh one
// with the prior command, directory, env, and port. Logs start empty.
func (s *Supervisor) RestartServer(ctx context.Context, sessionID int) (ManagedProcess, error) {
	if s == nil {
		return ManagedProcess{}, errors.New("supervisor is nil")
	}

	s.mu.Lock()
	srv, ok := s.servers[sessionID]
	if !ok {
		s.mu.Unlock()
		return ManagedProcess{}, fmt.Errorf("%w: session=%d", ErrNotRunning, sessionID)
	}
	command := srv.command
	workingDir := srv.workingDir
	port := srv.port
	env := copyEnvMap(srv.env)
	status := srv.status
	exited := srv.exited
	s.mu.Unlock()

	switch status {
	case state.ServerRunning:
		if err := s.StopServer(ctx, sessionID); err != nil && !errors.Is(err, ErrNotRunning) {
			return ManagedProcess{}, fmt.Errorf("stop before restart: %w", err)
		}
	case state.ServerStopping:
		if exited != nil {
			select {
			case <-exited:
			case <-time.After(s.stopGrace + time.Second):
				return ManagedProcess{}, fmt.Errorf("timed out waiting for session %d server to exit", sessionID)
			case <-ctx.Done():
				return ManagedProcess{}, ctx.Err()
			}
		}
	}

	return s.StartServer(ctx, sessionID, command, workingDir, port, env)
}

// StopAll stops every live server. Used at daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	live := make([]int, 0, len(s.servers))
	for sessionID, srv := range s.servers {
		if srv.status == state.ServerRunning {
			live = append(live, sessionID)
		}
	}
	s.mu.Unlock()
	sort.Ints(live)

	var errs []error
	for _, sessionID := range live {
		if err := s.StopServer(ctx, sessionID); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status reports the session's server row, if any.
func (s *Supervisor) Status(sessionID int) (statusfile.ServerStatus, bool) {
	if s == nil {
		return statusfile.ServerStatus{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[sessionID]
	if !ok {
		return statusfile.ServerStatus{}, false
	}
	return serverRow(srv, s.now().UTC()), true
}

// AllStatuses reports every tracked server row ordered by session.
func (s *Supervisor) AllStatuses() []statusfile.ServerStatus {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allStatusesLocked()
}

func (s *Supervisor) allStatusesLocked() []statusfile.ServerStatus {
	now := s.now().UTC()
	rows := make([]statusfile.ServerStatus, 0, len(s.servers))
	for _, srv := range s.servers {
		rows = append(rows, serverRow(srv, now))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SessionID < rows[j].SessionID })
	return rows
}

// Logs returns a copy of the session's captured output lines.
func (s *Supervisor) Logs(sessionID int) []string {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(srv.logs))
	copy(out, srv.logs)
	return out
}

// SetSystemProcesses stores the latest scanner snapshot and re-serializes.
func (s *Supervisor) SetSystemProcesses(procs []statusfile.SystemProcess) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.sysProcs = make([]statusfile.SystemProcess, len(procs))
	copy(s.sysProcs, procs)
	s.mu.Unlock()
	s.persist()
}

// Start launches the terminal-entry sweep loop. A second Start is a no-op
// until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.loopStop != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopStop = cancel
	done := make(chan struct{})
	s.loopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.sweepTerminal()
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Supervisor) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.loopStop
	done := s.loopDone
	s.loopStop = nil
	s.loopDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// sweepTerminal drops stopped and errored entries past their display TTL.
func (s *Supervisor) sweepTerminal() {
	s.mu.Lock()
	now := s.now().UTC()
	removed := 0
	for sessionID, srv := range s.servers {
		if state.IsTerminalServerStatus(srv.status) && !srv.endedAt.IsZero() && now.Sub(srv.endedAt) > s.terminalTTL {
			delete(s.servers, sessionID)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		if s.logger != nil {
			s.logger.With("removed", removed).Debug("purged terminal dev server entries")
		}
		s.persist()
	}
}

// transition moves one server through the lifecycle machine and re-serializes.
// Terminal states are final: a late transition against one is dropped.
func (s *Supervisor) transition(ctx context.Context, srv *server, to string, reason string) {
	s.mu.Lock()
	from := srv.status
	if from == to || state.IsTerminalServerStatus(from) {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Transition(ctx, state.EntityServer, strconv.Itoa(srv.sessionID), from, to, reason); err != nil {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.With("session", srv.sessionID, "from", from, "to", to, "error", err.Error()).Warn("refused dev server transition")
		}
		return
	}
	srv.status = to
	if state.IsTerminalServerStatus(to) {
		srv.endedAt = s.now().UTC()
		if srv.urlTimer != nil {
			srv.urlTimer.Stop()
		}
	}
	s.mu.Unlock()

	severity := events.SeverityInfo
	if to == state.ServerError {
		severity = events.SeverityError
	}
	s.publishState(srv, severity)
	s.persist()
}

func (s *Supervisor) publishState(srv *server, severity string) {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	row := serverRow(srv, s.now().UTC())
	s.mu.Unlock()
	s.bus.Publish(events.Event{
		Type:       events.EventTypeServerStateChanged,
		Timestamp:  s.now().UTC(),
		EntityType: "server",
		EntityID:   strconv.Itoa(srv.sessionID),
		Payload:    row,
		Severity:   severity,
	})
}

// streamOutput reads one pipe line by line until it closes. Partial trailing
// lines are still delivered.
func (s *Supervisor) streamOutput(srv *server, stream string, r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if chunk := strings.TrimRight(line, "\r\n"); chunk != "" {
			s.handleOutput(srv, stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) handleOutput(srv *server, stream string, line string) {
	s.mu.Lock()
	srv.logs = append(srv.logs, line)
	if len(srv.logs) > maxLogLines {
		srv.logs = srv.logs[len(srv.logs)-maxLogLines:]
	}
	detected := ""
	if !srv.urlSet {
		if url, ok := DetectURL(line); ok {
			srv.url = url
			srv.urlSet = true
			detected = url
			if srv.urlTimer != nil {
				srv.urlTimer.Stop()
			}
		}
	}
	sessionID := srv.sessionID
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:       events.EventTypeServerOutput,
			Timestamp:  s.now().UTC(),
			EntityType: "server",
			EntityID:   strconv.Itoa(sessionID),
			Payload:    OutputChunk{SessionID: sessionID, Stream: stream, Line: line},
			Severity:   events.SeverityInfo,
		})
	}
	if detected != "" {
		s.publishURL(sessionID, detected, "detected in output")
	}
	s.persist()
}

// fallbackURL synthesizes localhost:{port} when nothing matched in time.
// The detected URL always wins; a dead server gets none.
func (s *Supervisor) fallbackURL(srv *server) {
	s.mu.Lock()
	if srv.urlSet || srv.status != state.ServerRunning {
		s.mu.Unlock()
		return
	}
	url := fmt.Sprintf("http://localhost:%d", srv.port)
	srv.url = url
	srv.urlSet = true
	sessionID := srv.sessionID
	s.mu.Unlock()

	s.publishURL(sessionID, url, "synthesized from assigned port")
	s.persist()
}

func (s *Supervisor) publishURL(sessionID int, url string, reason string) {
	if s.logger != nil {
		s.logger.With("session", sessionID, "url", url).Info("dev server url " + reason)
	}
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       events.EventTypeServerURLDetected,
		Timestamp:  s.now().UTC(),
		EntityType: "server",
		EntityID:   strconv.Itoa(sessionID),
		Payload:    map[string]any{"sessionId": sessionID, "url": url},
		Severity:   events.SeverityInfo,
	})
}

// waitServer classifies the child's exit after both pipes drain. An explicit
// stop always lands on stopped; otherwise exit 0 is stopped and anything else
// is error.
func (s *Supervisor) waitServer(srv *server, cmd *exec.Cmd, streams *sync.WaitGroup) {
	streams.Wait()
	waitErr := cmd.Wait()

	var exitCode *int
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		zero := 0
		exitCode = &zero
	case errors.As(waitErr, &exitErr):
		if code := exitErr.ExitCode(); code >= 0 {
			exitCode = &code
		}
	}

	s.mu.Lock()
	srv.exitCode = exitCode
	pid := srv.pid
	stopRequested := srv.stopReq
	current := srv.status
	s.mu.Unlock()

	to := state.ServerError
	reason := "process failed"
	switch {
	case stopRequested || current == state.ServerStopping:
		to = state.ServerStopped
		reason = "stopped by request"
	case exitCode != nil && *exitCode == 0:
		to = state.ServerStopped
		reason = "exited cleanly"
	case exitCode != nil:
		reason = fmt.Sprintf("exited with code %d", *exitCode)
	case waitErr != nil:
		reason = "killed by signal"
	}

	s.transition(context.Background(), srv, to, reason)
	s.registry.Unregister(context.Background(), pid)
	close(srv.exited)
}

// persist re-serializes every status plus the latest system process snapshot.
func (s *Supervisor) persist() {
	if s.statusPath == "" {
		return
	}

	s.mu.Lock()
	snapshot := statusfile.Snapshot{
		Servers:         s.allStatusesLocked(),
		SystemProcesses: make([]statusfile.SystemProcess, len(s.sysProcs)),
		UpdatedAt:       s.now().UTC(),
	}
	copy(snapshot.SystemProcesses, s.sysProcs)
	s.mu.Unlock()

	if err := statusfile.Write(s.statusPath, snapshot); err != nil && s.logger != nil {
		s.logger.With("path", s.statusPath, "error", err.Error()).Warn("failed to write status snapshot")
	}
}

// prebookPorts reserves ports for servers the prior daemon run recorded as
// live, so a fresh allocation cannot collide with a possibly-live child.
func (s *Supervisor) prebookPorts() {
	if s.statusPath == "" {
		return
	}

	snapshot, err := statusfile.Load(s.statusPath)
	if err != nil {
		if s.logger != nil {
			s.logger.With("path", s.statusPath, "error", err.Error()).Warn("ignoring unreadable status snapshot")
		}
		return
	}
	for _, row := range snapshot.Servers {
		if row.Status != state.ServerStarting && row.Status != state.ServerRunning {
			continue
		}
		// Reserve, not Assign: the recorded server may still hold the port,
		// so a bind probe would reject it and misrecord the session.
		if err := s.ports.Reserve(context.Background(), row.SessionID, row.Port); err != nil && s.logger != nil {
			s.logger.With("session", row.SessionID, "port", row.Port, "error", err.Error()).Warn("could not pre-book recorded port")
		}
	}
}

func (s *Supervisor) composeEnv(sessionID int, workingDir string, extra map[string]string) []string {
	env := append([]string{}, s.baseEnv()...)

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}

	env = append(env, session.EnvSessionID+"="+strconv.Itoa(sessionID))
	env = append(env, session.EnvProjectHash+"="+session.ProjectHash(workingDir))
	return env
}

func serverRow(srv *server, now time.Time) statusfile.ServerStatus {
	row := statusfile.ServerStatus{
		SessionID: srv.sessionID,
		Status:    srv.status,
		PID:       srv.pid,
		Port:      srv.port,
		URL:       srv.url,
		Command:   srv.command,
		StartedAt: srv.startedAt,
	}
	if srv.status == state.ServerRunning && !srv.startedAt.IsZero() {
		uptime := now.Sub(srv.startedAt).Seconds()
		row.Uptime = &uptime
	}
	if srv.exitCode != nil {
		code := *srv.exitCode
		row.ExitCode = &code
	}
	return row
}

func copyEnvMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
