// Package daemon is the composition root of the supervisor process: it
// acquires the single-instance lock, builds every subsystem in dependency
// order, runs the background loops, and tears everything down in order when
// a termination signal arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/podium-dev/podium/internal/agentstate"
	"github.com/podium-dev/podium/internal/config"
	"github.com/podium-dev/podium/internal/devserver"
	"github.com/podium-dev/podium/internal/doctor"
	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/ports"
	"github.com/podium-dev/podium/internal/proctree"
	"github.com/podium-dev/podium/internal/reaper"
	"github.com/podium-dev/podium/internal/registry"
	"github.com/podium-dev/podium/internal/scanner"
	"github.com/podium-dev/podium/internal/session"
	"github.com/podium-dev/podium/internal/statusfile"
)

const (
	// LockFileName is the flock target inside the state directory. The lock,
	// not the pid file, is what prevents concurrent daemons.
	LockFileName = "podium.lock"
	// PidFileName records the running daemon's pid for status tooling.
	PidFileName = "podium.pid"

	// shutdownTimeout bounds dev-server and registry teardown after the run
	// context is canceled.
	shutdownTimeout = 30 * time.Second
)

// ErrAlreadyRunning indicates another daemon instance holds the lock.
var ErrAlreadyRunning = errors.New("podium daemon is already running")

// Terminator applies escalating process-group termination. Injectable so
// tests can observe kills without signaling real pids.
type Terminator interface {
	Terminate(ctx context.Context, target proctree.Target, gracePeriod time.Duration) error
}

// Options configures a daemon instance.
type Options struct {
	Config config.Config
	Logger *log.Logger
	// StateDir overrides the default ~/.podium location of the lock and pid
	// files and of the derived status-file and agent-state defaults.
	StateDir string
	// ScanRunner, PortChecker, and Terminator replace the real OS probes.
	ScanRunner  scanner.CommandRunner
	PortChecker func(port int) bool
	Terminator  Terminator
}

// Daemon owns the composed subsystems of one supervisor process.
type Daemon struct {
	cfg      config.Config
	logger   *log.Logger
	stateDir string

	bus        *events.InMemoryBus
	registry   *registry.Registry
	ports      *ports.Allocator
	scanner    *scanner.Scanner
	supervisor *devserver.Supervisor
	monitor    *agentstate.Monitor
	launcher   *session.Launcher
	reaper     *reaper.Reaper
	doctor     *doctor.Manager
}

// Run builds a daemon from config and blocks until the context is canceled or
// a termination signal arrives.
func Run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	daemon, err := New(Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	return daemon.Run(ctx)
}

// New builds every subsystem in dependency order and wires the cross-cutting
// callbacks: registry membership feeds the scanner's managed-pid set, and
// changed scan snapshots flow into the supervisor, the single snapshot writer.
func New(opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		resolved, err := config.StateDir()
		if err != nil {
			return nil, err
		}
		stateDir = resolved
	}

	cfg := opts.Config
	if strings.TrimSpace(cfg.StatusFile) == "" {
		cfg.StatusFile = filepath.Join(stateDir, "dev-servers.json")
	}
	if strings.TrimSpace(cfg.AgentStateDir) == "" {
		cfg.AgentStateDir = filepath.Join(stateDir, "agent-state")
	}

	bus := events.New(events.WithLogger(opts.Logger))

	// scan and sup are assigned below; the callbacks tolerate a nil receiver
	// until construction finishes, and no loop runs before Run.
	var scan *scanner.Scanner
	var sup *devserver.Supervisor

	reg, err := registry.New(registry.Options{
		Terminator:      opts.Terminator,
		Bus:             bus,
		KillGracePeriod: cfg.RegistryKillGrace,
		OnRegister: func(process registry.RegisteredProcess) {
			scan.RegisterManagedPID(process.PID)
		},
		OnUnregister: func(process registry.RegisteredProcess) {
			scan.UnregisterManagedPID(process.PID)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	alloc, err := ports.NewAllocator(ports.Config{
		RangeStart:  cfg.PortRangeStart,
		RangeEnd:    cfg.PortRangeEnd,
		PortChecker: opts.PortChecker,
	})
	if err != nil {
		return nil, fmt.Errorf("build port allocator: %w", err)
	}

	scan, err = scanner.New(scanner.Options{
		Runner:     opts.ScanRunner,
		Bus:        bus,
		Logger:     opts.Logger,
		Interval:   cfg.ScanInterval,
		RangeStart: cfg.PortRangeStart,
		RangeEnd:   cfg.PortRangeEnd,
		OnChange: func(procs []statusfile.SystemProcess) {
			sup.SetSystemProcesses(procs)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build scanner: %w", err)
	}

	sup, err = devserver.New(devserver.Options{
		Registry:         reg,
		Ports:            alloc,
		Bus:              bus,
		Terminator:       opts.Terminator,
		Logger:           opts.Logger,
		StatusPath:       cfg.StatusFile,
		StopGrace:        cfg.ServerStopGrace,
		URLFallbackDelay: cfg.URLFallbackAfter,
		TerminalTTL:      cfg.StatusSweepAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("build dev server supervisor: %w", err)
	}

	mon, err := agentstate.New(agentstate.Options{
		StateDir:     cfg.AgentStateDir,
		Bus:          bus,
		Logger:       opts.Logger,
		PollInterval: cfg.AgentPollInterval,
		StaleAfter:   cfg.AgentStaleAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("build agent state monitor: %w", err)
	}

	launch, err := session.New(session.Options{
		Registry:   reg,
		Ports:      alloc,
		Agents:     mon,
		Slots:      session.NewSlotPool(cfg.MaxSessions),
		Terminator: opts.Terminator,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build session launcher: %w", err)
	}

	rp, err := reaper.New(reaper.Options{
		Registry:      reg,
		Bus:           bus,
		Logger:        opts.Logger,
		SweepInterval: cfg.ReapInterval,
		KillGrace:     cfg.RegistryKillGrace,
	})
	if err != nil {
		return nil, fmt.Errorf("build orphan reaper: %w", err)
	}

	doc, err := doctor.NewManager(reg, alloc, bus, doctor.Config{
		AgentStaleAfter: cfg.AgentStaleAfter,
		AgentStateDir:   cfg.AgentStateDir,
		StatusFile:      cfg.StatusFile,
	})
	if err != nil {
		return nil, fmt.Errorf("build doctor: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		logger:     opts.Logger,
		stateDir:   stateDir,
		bus:        bus,
		registry:   reg,
		ports:      alloc,
		scanner:    scan,
		supervisor: sup,
		monitor:    mon,
		launcher:   launch,
		reaper:     rp,
		doctor:     doc,
	}, nil
}

// Launcher exposes the session launch surface. Launches are in-process calls;
// the daemon deliberately has no remote control API.
func (d *Daemon) Launcher() *session.Launcher {
	if d == nil {
		return nil
	}
	return d.launcher
}

// Run acquires the instance lock, writes the pid file, starts every loop, and
// blocks until the context is canceled or SIGINT/SIGTERM arrives. Shutdown
// stops the loops first, then stops dev servers, then kills whatever the
// registry still tracks.
func (d *Daemon) Run(ctx context.Context) error {
	if d == nil {
		return errors.New("daemon is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := os.MkdirAll(d.stateDir, 0o750); err != nil {
		return fmt.Errorf("create state directory %q: %w", d.stateDir, err)
	}

	lock := flock.New(filepath.Join(d.stateDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock %q: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: lock %q is held by another process", ErrAlreadyRunning, lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			d.logger.With("error", err.Error()).Warn("failed to release daemon lock")
		}
	}()

	pidPath := filepath.Join(d.stateDir, PidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file %q: %w", pidPath, err)
	}
	defer func() {
		if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
			d.logger.With("error", err.Error()).Warn("failed to remove pid file")
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every bus event lands in the run log; severity picks the level. Chatty
	// info-severity events (server output, snapshots) stay at debug.
	d.bus.SubscribeAll(func(event events.Event) {
		entry := d.logger.With("entity_type", event.EntityType, "entity_id", event.EntityID)
		switch event.Severity {
		case events.SeverityError:
			entry.Error(event.Type)
		case events.SeverityWarn:
			entry.Warn(event.Type)
		default:
			entry.Debug(event.Type)
		}
	})

	d.logger.With(
		"pid", os.Getpid(),
		"ports", fmt.Sprintf("%d-%d", d.cfg.PortRangeStart, d.cfg.PortRangeEnd),
		"max_sessions", d.cfg.MaxSessions,
		"status_file", d.cfg.StatusFile,
		"agent_state_dir", d.cfg.AgentStateDir,
	).Info("podium daemon started")

	d.scanner.Start(runCtx)
	d.supervisor.Start(runCtx)
	d.monitor.Start(runCtx)
	d.reaper.Start(runCtx)

	doctorDone := make(chan struct{})
	go func() {
		defer close(doctorDone)
		d.doctor.Start(runCtx)
	}()

	// Prime the caches so status readers see data before the first tick.
	d.scanner.Scan(runCtx)
	if _, err := d.monitor.Poll(runCtx); err != nil {
		d.logger.With("error", err.Error()).Warn("initial agent state poll failed")
	}

	<-runCtx.Done()
	d.logger.Info("podium daemon shutting down")

	d.stopLoops()
	<-doctorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.supervisor.StopAll(shutdownCtx); err != nil {
		d.logger.With("error", err.Error()).Warn("dev server shutdown incomplete")
	}
	removed := d.registry.CleanupAll(shutdownCtx, true)
	d.registry.WaitForTerminations()
	if len(removed) > 0 {
		d.logger.With("processes", len(removed)).Info("terminated remaining registered processes")
	}

	d.logger.Info("podium daemon stopped")
	return nil
}

// stopLoops halts every background loop before teardown mutates shared state.
func (d *Daemon) stopLoops() {
	d.reaper.Stop()
	d.monitor.Stop()
	d.scanner.Stop()
	d.supervisor.Stop()
}
