// Package reaper finds and terminates orphaned agent processes: known agent
// binaries reparented to init that no registered session accounts for.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/podium-dev/podium/internal/agentbin"
	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/proctree"
)

// DefaultSweepInterval is the cadence of the orphan sweep loop.
const DefaultSweepInterval = time.Minute

// OrphanInfo is one candidate for reaping. GroupResolved is false when the
// process group could not be determined; reaping then signals the single pid.
type OrphanInfo struct {
	PID           int    `json:"pid"`
	PGID          int    `json:"pgid,omitempty"`
	Command       string `json:"command"`
	GroupResolved bool   `json:"groupResolved"`
}

// ProcessTree is the process-table surface the reaper queries.
type ProcessTree interface {
	ListAll(ctx context.Context) ([]proctree.Info, error)
	GroupID(ctx context.Context, pid int) (int, error)
	Terminate(ctx context.Context, target proctree.Target, gracePeriod time.Duration) error
}

// ProcessRegistry reports which pids and groups the daemon manages.
type ProcessRegistry interface {
	Contains(pid int) bool
	ManagesGroup(pgid int) bool
}

// Options configures an orphan reaper.
type Options struct {
	// Registry is consulted before any kill. Required.
	Registry      ProcessRegistry
	Tree          ProcessTree
	Bus           events.Bus
	Logger        *log.Logger
	SweepInterval time.Duration
	// KillGrace is the SIGTERM window before SIGKILL. Zero uses the
	// proctree default.
	KillGrace time.Duration
}

// Reaper sweeps the process table for abandoned agent processes.
type Reaper struct {
	registry      ProcessRegistry
	tree          ProcessTree
	bus           events.Bus
	logger        *log.Logger
	sweepInterval time.Duration
	killGrace     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New creates an orphan reaper with default dependencies where omitted.
func New(opts Options) (*Reaper, error) {
	if opts.Registry == nil {
		return nil, errors.New("process registry is required")
	}

	tree := opts.Tree
	if tree == nil {
		defaultTree, err := proctree.New(proctree.Options{})
		if err != nil {
			return nil, fmt.Errorf("build default process tree: %w", err)
		}
		tree = defaultTree
	}
	sweepInterval := opts.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	return &Reaper{
		registry:      opts.Registry,
		tree:          tree,
		bus:           opts.Bus,
		logger:        opts.Logger,
		sweepInterval: sweepInterval,
		killGrace:     opts.KillGrace,
		now:           time.Now,
	}, nil
}

// FindOrphanedAgents scans the process table for agent binaries whose parent
// is init and whose pid the registry does not account for. It never kills;
// callers decide.
func (r *Reaper) FindOrphanedAgents(ctx context.Context) ([]OrphanInfo, error) {
	if r == nil {
		return nil, errors.New("reaper is nil")
	}

	rows, err := r.tree.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate process table: %w", err)
	}

	orphans := make([]OrphanInfo, 0)
	for _, row := range rows {
		if row.PPID != 1 {
			continue
		}
		if !agentbin.IsAgentCommand(row.Command) {
			continue
		}
		if r.registry.Contains(row.PID) {
			continue
		}
		orphan := OrphanInfo{PID: row.PID, Command: row.Command}
		if pgid, err := r.tree.GroupID(ctx, row.PID); err == nil {
			orphan.PGID = pgid
			orphan.GroupResolved = true
		}
		orphans = append(orphans, orphan)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].PID < orphans[j].PID })
	return orphans, nil
}

// Reap terminates one orphan. The whole process group goes when it can be
// resolved and is not a managed group; otherwise only the single pid is
// signaled. A pid the registry manages is refused without error.
func (r *Reaper) Reap(ctx context.Context, pid int) (bool, error) {
	if r == nil {
		return false, errors.New("reaper is nil")
	}
	if pid <= 1 {
		return false, fmt.Errorf("pid %d is not valid", pid)
	}
	if r.registry.Contains(pid) {
		if r.logger != nil {
			r.logger.With("pid", pid).Debug("refusing to reap managed pid")
		}
		return false, nil
	}

	target := proctree.Target{PID: pid}
	pgid, err := r.tree.GroupID(ctx, pid)
	switch {
	case err != nil:
		if r.logger != nil {
			r.logger.With("pid", pid, "error", err.Error()).Debug("could not resolve process group, signaling single pid")
		}
	case r.registry.ManagesGroup(pgid):
		if r.logger != nil {
			r.logger.With("pid", pid, "pgid", pgid).Debug("orphan shares a managed group, signaling single pid")
		}
	default:
		target.PGID = pgid
	}

	if err := r.tree.Terminate(ctx, target, r.killGrace); err != nil {
		return false, fmt.Errorf("terminate orphan %s: %w", target, err)
	}

	if r.logger != nil {
		r.logger.With("pid", pid, "pgid", target.PGID).Info("reaped orphaned agent process")
	}
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:       events.EventTypeOrphanReaped,
			Timestamp:  r.now().UTC(),
			EntityType: "process",
			EntityID:   strconv.Itoa(pid),
			Payload:    map[string]any{"pid": pid, "pgid": target.PGID},
			Severity:   events.SeverityWarn,
		})
	}
	return true, nil
}

// ReapAll finds and reaps every orphan. Per-orphan failures are logged and
// skipped so one stubborn process cannot stall the sweep.
func (r *Reaper) ReapAll(ctx context.Context) (int, error) {
	if r == nil {
		return 0, errors.New("reaper is nil")
	}

	orphans, err := r.FindOrphanedAgents(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, orphan := range orphans {
		ok, err := r.Reap(ctx, orphan.PID)
		if err != nil {
			if r.logger != nil {
				r.logger.With("pid", orphan.PID, "error", err.Error()).Warn("failed to reap orphan")
			}
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

// Start launches the periodic sweep. Iteration errors are logged and
// swallowed. A second Start is a no-op until Stop.
func (r *Reaper) Start(ctx context.Context) {
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := r.ReapAll(loopCtx); err != nil && r.logger != nil {
					r.logger.With("error", err.Error()).Warn("orphan sweep failed")
				}
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
