// Package session launches workspace sessions as process-group roots and owns
// their teardown: slot accounting, working-directory validation, environment
// injection, and the kill paths for whole sessions and individual pids.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/podium-dev/podium/internal/agentbin"
	"github.com/podium-dev/podium/internal/proctree"
	"github.com/podium-dev/podium/internal/registry"
)

const (
	// DefaultKillProcessGrace is the SIGTERM window for single-pid kills.
	DefaultKillProcessGrace = 2 * time.Second

	// EnvSessionID and EnvProjectHash are injected into every spawned session
	// so child tooling can report status against the right workspace.
	EnvSessionID   = "PODIUM_SESSION_ID"
	EnvProjectHash = "PODIUM_PROJECT_HASH"
)

// ErrSessionRoot indicates a kill was refused because the pid is a session's
// root process; whole sessions go through KillSession.
var ErrSessionRoot = errors.New("pid is a session root process")

// LaunchSpec describes one session root to spawn.
type LaunchSpec struct {
	SessionID  int
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
	Source     registry.Source
}

// ProcessRegistry is the subset of registry behavior the launcher uses.
type ProcessRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (registry.RegisteredProcess, error)
	Unregister(ctx context.Context, pid int) (registry.RegisteredProcess, bool)
	Contains(pid int) bool
	CleanupSession(ctx context.Context, sessionID int, kill bool) []registry.RegisteredProcess
}

// PortReleaser frees a session's dev-server port during teardown.
type PortReleaser interface {
	Release(sessionID int)
}

// AgentStateRemover drops a session's agent status during teardown.
type AgentStateRemover interface {
	RemoveAgentForSession(sessionID int) error
}

// Terminator applies escalating SIGTERM -> grace -> SIGKILL termination.
type Terminator interface {
	Terminate(ctx context.Context, target proctree.Target, gracePeriod time.Duration) error
}

// Spawner starts one command in its own process group and reports its ids.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, workingDir string, env []string) (pid int, pgid int, err error)
}

// Options configures a session launcher.
type Options struct {
	Registry ProcessRegistry
	// Ports and Agents are optional teardown hooks; nil skips the step.
	Ports  PortReleaser
	Agents AgentStateRemover
	// Slots bounds concurrent sessions. Nil selects the default pool size.
	Slots *SlotPool
	// Spawner and Terminator default to real process-group implementations.
	Spawner    Spawner
	Terminator Terminator
	// Resolver locates agent binaries. Nil selects the PATH-backed resolver.
	Resolver *agentbin.Resolver
	Logger   *log.Logger
	// KillProcessGrace is the SIGTERM window for KillProcess.
	KillProcessGrace time.Duration
}

// Launcher spawns and tears down session root processes.
type Launcher struct {
	registry   ProcessRegistry
	ports      PortReleaser
	agents     AgentStateRemover
	slots      *SlotPool
	spawner    Spawner
	terminator Terminator
	resolver   *agentbin.Resolver
	logger     *log.Logger
	killGrace  time.Duration

	mu    sync.Mutex
	roots map[int]int

	baseEnv func() []string
}

// New builds a session launcher with default dependencies where omitted.
func New(opts Options) (*Launcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("process registry is required")
	}

	slots := opts.Slots
	if slots == nil {
		slots = NewSlotPool(DefaultMaxSessions)
	}

	terminator := opts.Terminator
	if terminator == nil {
		tree, err := proctree.New(proctree.Options{})
		if err != nil {
			return nil, fmt.Errorf("build default terminator: %w", err)
		}
		terminator = tree
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = execSpawner{}
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = agentbin.NewResolver()
	}

	killGrace := opts.KillProcessGrace
	if killGrace <= 0 {
		killGrace = DefaultKillProcessGrace
	}

	return &Launcher{
		registry:   opts.Registry,
		ports:      opts.Ports,
		agents:     opts.Agents,
		slots:      slots,
		spawner:    spawner,
		terminator: terminator,
		resolver:   resolver,
		logger:     opts.Logger,
		killGrace:  killGrace,
		roots:      make(map[int]int),
		baseEnv:    os.Environ,
	}, nil
}

// Launch acquires a session slot, spawns the root process in its own group,
// and registers it. The slot is released again when the spawn fails.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (registry.RegisteredProcess, error) {
	if l == nil {
		return registry.RegisteredProcess{}, errors.New("launcher is nil")
	}
	if spec.SessionID <= 0 {
		return registry.RegisteredProcess{}, fmt.Errorf("session id %d is not valid", spec.SessionID)
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return registry.RegisteredProcess{}, errors.New("command is required")
	}
	source := spec.Source
	if source == "" {
		source = registry.SourceTerminal
	}

	if err := ValidateWorkingDir(spec.WorkingDir); err != nil {
		return registry.RegisteredProcess{}, err
	}

	if pid, ok := l.rootFor(spec.SessionID); ok && l.registry.Contains(pid) {
		return registry.RegisteredProcess{}, fmt.Errorf("session %d already has a root process (pid %d)", spec.SessionID, pid)
	}

	if err := l.slots.Acquire(spec.SessionID); err != nil {
		return registry.RegisteredProcess{}, err
	}

	env := l.composeEnv(spec)
	pid, pgid, err := l.spawner.Spawn(ctx, command, spec.Args, spec.WorkingDir, env)
	if err != nil {
		l.slots.Release(spec.SessionID)
		return registry.RegisteredProcess{}, fmt.Errorf("spawn session %d root: %w", spec.SessionID, err)
	}

	process, err := l.registry.Register(ctx, registry.Registration{
		PID:        pid,
		PGID:       pgid,
		SessionID:  spec.SessionID,
		Source:     source,
		Command:    commandLine(command, spec.Args),
		WorkingDir: spec.WorkingDir,
	})
	if err != nil {
		l.slots.Release(spec.SessionID)
		if killErr := l.terminator.Terminate(ctx, proctree.Target{PID: pid, PGID: pgid}, 0); killErr != nil && l.logger != nil {
			l.logger.With("pid", pid, "error", killErr.Error()).Warn("failed to reap unregistered session root")
		}
		return registry.RegisteredProcess{}, fmt.Errorf("register session %d root: %w", spec.SessionID, err)
	}

	l.mu.Lock()
	l.roots[spec.SessionID] = pid
	l.mu.Unlock()

	return process, nil
}

// KillSession tears the session down: terminate every registered process
// group, release the port and slot, and drop the session's agent status.
func (l *Launcher) KillSession(ctx context.Context, sessionID int) error {
	if l == nil {
		return errors.New("launcher is nil")
	}
	if sessionID <= 0 {
		return fmt.Errorf("session id %d is not valid", sessionID)
	}

	l.registry.CleanupSession(ctx, sessionID, true)

	if l.ports != nil {
		l.ports.Release(sessionID)
	}
	l.slots.Release(sessionID)

	l.mu.Lock()
	delete(l.roots, sessionID)
	l.mu.Unlock()

	if l.agents != nil {
		if err := l.agents.RemoveAgentForSession(sessionID); err != nil && l.logger != nil {
			l.logger.With("session_id", sessionID, "error", err.Error()).Warn("failed to remove agent state during session kill")
		}
	}
	return nil
}

// KillProcess terminates a single pid with the short SIGTERM window. Session
// root processes are refused; those go through KillSession.
func (l *Launcher) KillProcess(ctx context.Context, pid int) error {
	if l == nil {
		return errors.New("launcher is nil")
	}
	if pid <= 0 {
		return fmt.Errorf("pid %d is not valid", pid)
	}

	if sessionID, ok := l.sessionForRoot(pid); ok {
		return fmt.Errorf("%w: pid=%d session=%d", ErrSessionRoot, pid, sessionID)
	}

	if err := l.terminator.Terminate(ctx, proctree.Target{PID: pid}, l.killGrace); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	l.registry.Unregister(ctx, pid)
	return nil
}

// RootPID reports the session's root pid when one was launched here.
func (l *Launcher) RootPID(sessionID int) (int, bool) {
	return l.rootFor(sessionID)
}

// ResolveAgentBinary returns the absolute path of a known agent binary.
func (l *Launcher) ResolveAgentBinary(name string) (string, error) {
	if l == nil {
		return "", errors.New("launcher is nil")
	}
	return l.resolver.Resolve(name)
}

func (l *Launcher) rootFor(sessionID int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pid, ok := l.roots[sessionID]
	return pid, ok
}

func (l *Launcher) sessionForRoot(pid int) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sessionID, rootPID := range l.roots {
		if rootPID == pid {
			return sessionID, true
		}
	}
	return 0, false
}

// composeEnv layers the caller's variables over the inherited environment and
// pins the session identity variables last so they always win.
func (l *Launcher) composeEnv(spec LaunchSpec) []string {
	env := append([]string(nil), l.baseEnv()...)

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+spec.Env[key])
	}

	env = append(env,
		EnvSessionID+"="+strconv.Itoa(spec.SessionID),
		EnvProjectHash+"="+ProjectHash(spec.WorkingDir),
	)
	return env
}

// ProjectHash namespaces per-project state: lowercase hex of the first six
// bytes of SHA-256 over the absolute project path.
func ProjectHash(path string) string {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		abs = strings.TrimSpace(path)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:6])
}

// ValidateWorkingDir checks that a launch directory is an absolute path to an
// existing directory. Both the session and dev-server launch paths use it so
// their validation cannot drift.
func ValidateWorkingDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errors.New("working directory is required")
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("working directory %q is not absolute", dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("working directory %q does not exist", dir)
		}
		return fmt.Errorf("stat working directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", dir)
	}
	return nil
}

func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// execSpawner starts real processes detached into their own process group so
// group-wide signals never reach the supervisor.
type execSpawner struct{}

func (execSpawner) Spawn(_ context.Context, command string, args []string, workingDir string, env []string) (int, int, error) {
	// The child must outlive the launch call, so the context deliberately
	// does not bind the process lifetime.
	cmd := exec.Command(command, args...)
	cmd.Dir = workingDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, 0, err
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}

	// Reap the child on exit so no zombie lingers under the supervisor.
	go func() {
		_ = cmd.Wait()
	}()

	return pid, pgid, nil
}

var _ Spawner = execSpawner{}
