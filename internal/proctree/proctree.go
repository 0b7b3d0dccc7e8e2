// Package proctree provides OS process-tree queries and escalating
// process-group termination shared by the registry, supervisor, and reaper.
package proctree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/podium-dev/podium/internal/telemetry/invariants"
	"github.com/podium-dev/podium/internal/tracing"
)

const (
	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 3 * time.Second

	defaultTerminationPollInterval = 100 * time.Millisecond
	defaultForcedExitWait          = 2 * time.Second
)

// CommandRunner executes process-table query commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessSignaler sends unix signals to a process or process group.
// A negative pid addresses the process group |pid|.
type ProcessSignaler interface {
	Signal(pid int, signal syscall.Signal) error
}

// ProcessChecker checks whether a process or process group is still alive.
type ProcessChecker interface {
	Alive(pid int) (bool, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	_, stdout, _, err := tracing.ExecuteTool(ctx, name, args, os.TempDir())
	if err != nil {
		return nil, tracing.WrapExecutionError(name, args, err)
	}
	return []byte(stdout), nil
}

type defaultProcessSignaler struct{}

func (defaultProcessSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(pid int) (bool, error) {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

// Info is one process-table row from a system-wide enumeration.
type Info struct {
	PID     int
	PPID    int
	Command string
}

// Target identifies what a termination addresses. When PGID is positive the
// whole group is signaled; otherwise the single PID.
type Target struct {
	PID  int
	PGID int
}

func (t Target) signalPID() int {
	if t.PGID > 0 {
		return -t.PGID
	}
	return t.PID
}

// String renders the target for error context.
func (t Target) String() string {
	if t.PGID > 0 {
		return fmt.Sprintf("pgid %d", t.PGID)
	}
	return fmt.Sprintf("pid %d", t.PID)
}

// Options configures a process-tree toolkit.
type Options struct {
	Runner                  CommandRunner
	Signaler                ProcessSignaler
	Checker                 ProcessChecker
	TerminationPollInterval time.Duration
	ForcedExitWait          time.Duration
}

// Tree executes process-table queries and escalating termination.
type Tree struct {
	runner                  CommandRunner
	signaler                ProcessSignaler
	checker                 ProcessChecker
	terminationPollInterval time.Duration
	forcedExitWait          time.Duration
	now                     func() time.Time
	sleep                   func(time.Duration)
}

// New creates a process-tree toolkit with default dependencies where omitted.
func New(opts Options) (*Tree, error) {
	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}

	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultProcessSignaler{}
	}

	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}

	pollInterval := opts.TerminationPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultTerminationPollInterval
	}

	forcedExitWait := opts.ForcedExitWait
	if forcedExitWait <= 0 {
		forcedExitWait = defaultForcedExitWait
	}

	return &Tree{
		runner:                  runner,
		signaler:                signaler,
		checker:                 checker,
		terminationPollInterval: pollInterval,
		forcedExitWait:          forcedExitWait,
		now:                     time.Now,
		sleep:                   time.Sleep,
	}, nil
}

// ParentPID resolves the parent process id of pid.
func (t *Tree) ParentPID(ctx context.Context, pid int) (int, error) {
	if t == nil {
		return 0, errors.New("process tree is nil")
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid %d is not valid", pid)
	}

	out, err := t.runner.Run(ctx, "ps", "-o", "ppid=", "-p", strconv.Itoa(pid))
	if err != nil {
		return 0, fmt.Errorf("query parent of pid %d: %w", pid, err)
	}
	return parsePID(string(out))
}

// GroupID resolves the process-group id of pid.
func (t *Tree) GroupID(ctx context.Context, pid int) (int, error) {
	if t == nil {
		return 0, errors.New("process tree is nil")
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid %d is not valid", pid)
	}

	out, err := t.runner.Run(ctx, "ps", "-o", "pgid=", "-p", strconv.Itoa(pid))
	if err != nil {
		return 0, fmt.Errorf("query group of pid %d: %w", pid, err)
	}
	return parsePID(string(out))
}

// GroupMembers enumerates every pid currently in the process group pgid.
// Malformed rows are skipped rather than failing the whole query.
func (t *Tree) GroupMembers(ctx context.Context, pgid int) ([]int, error) {
	if t == nil {
		return nil, errors.New("process tree is nil")
	}
	if pgid <= 0 {
		return nil, fmt.Errorf("pgid %d is not valid", pgid)
	}

	out, err := t.runner.Run(ctx, "ps", "-axo", "pid,pgid")
	if err != nil {
		return nil, fmt.Errorf("enumerate group %d: %w", pgid, err)
	}

	members := make([]int, 0)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, pidErr := strconv.Atoi(fields[0])
		rowGroup, groupErr := strconv.Atoi(fields[1])
		if pidErr != nil || groupErr != nil {
			continue
		}
		if rowGroup == pgid {
			members = append(members, pid)
		}
	}
	return members, nil
}

// ListAll enumerates the system process table as pid/ppid/command rows.
// Malformed rows are skipped.
func (t *Tree) ListAll(ctx context.Context) ([]Info, error) {
	if t == nil {
		return nil, errors.New("process tree is nil")
	}

	out, err := t.runner.Run(ctx, "ps", "-axo", "pid,ppid,comm")
	if err != nil {
		return nil, fmt.Errorf("enumerate process table: %w", err)
	}

	rows := make([]Info, 0)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, pidErr := strconv.Atoi(fields[0])
		ppid, ppidErr := strconv.Atoi(fields[1])
		if pidErr != nil || ppidErr != nil {
			continue
		}
		rows = append(rows, Info{
			PID:     pid,
			PPID:    ppid,
			Command: strings.Join(fields[2:], " "),
		})
	}
	return rows, nil
}

// Alive reports whether the target still has a living process.
func (t *Tree) Alive(target Target) (bool, error) {
	if t == nil {
		return false, errors.New("process tree is nil")
	}
	return t.checker.Alive(target.signalPID())
}

// Signal delivers one signal to the target without escalation.
func (t *Tree) Signal(target Target, signal syscall.Signal) error {
	if t == nil {
		return errors.New("process tree is nil")
	}
	if err := t.signaler.Signal(target.signalPID(), signal); err != nil && !IsProcessGone(err) {
		return fmt.Errorf("signal %s: %w", target, err)
	}
	return nil
}

// Terminate applies SIGTERM -> grace -> liveness probe -> SIGKILL to the
// target. A target that dies inside the grace window is never force-killed,
// and a target already gone at any step is treated as success.
func (t *Tree) Terminate(ctx context.Context, target Target, gracePeriod time.Duration) error {
	if t == nil {
		return errors.New("process tree is nil")
	}
	if target.PID <= 0 && target.PGID <= 0 {
		return errors.New("termination target is empty")
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultTerminationGracePeriod
	}

	spanCtx, span := otel.Tracer("podium/proctree").Start(
		ctx,
		"proc.terminate",
		trace.WithAttributes(
			attribute.Int("pid", target.PID),
			attribute.Int("pgid", target.PGID),
			attribute.Int64("grace_ms", gracePeriod.Milliseconds()),
		),
	)
	defer span.End()

	if err := t.signaler.Signal(target.signalPID(), syscall.SIGTERM); err != nil && !IsProcessGone(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("send SIGTERM to %s: %w", target, err)
	}

	escalated, err := t.KillAfterGrace(spanCtx, target, gracePeriod)
	span.SetAttributes(attribute.Bool("escalated", escalated))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "target terminated")
	return nil
}

// KillAfterGrace waits up to gracePeriod for the target to exit, then
// force-kills survivors. The liveness probe immediately precedes SIGKILL so
// a target that exited during the grace window is never signaled again.
// It reports whether escalation to SIGKILL occurred.
func (t *Tree) KillAfterGrace(ctx context.Context, target Target, gracePeriod time.Duration) (bool, error) {
	if t == nil {
		return false, errors.New("process tree is nil")
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultTerminationGracePeriod
	}

	signalPID := target.signalPID()
	exited, err := t.waitForExit(ctx, signalPID, gracePeriod)
	if err != nil {
		return false, fmt.Errorf("wait for %s after SIGTERM: %w", target, err)
	}
	if exited {
		return false, nil
	}

	if err := t.signaler.Signal(signalPID, syscall.SIGKILL); err != nil && !IsProcessGone(err) {
		return true, fmt.Errorf("send SIGKILL to %s: %w", target, err)
	}
	if _, waitErr := t.waitForExit(ctx, signalPID, t.forcedExitWait); waitErr != nil {
		return true, fmt.Errorf("wait for %s after SIGKILL: %w", target, waitErr)
	}

	alive, err := t.checker.Alive(signalPID)
	if err != nil {
		return true, fmt.Errorf("verify %s termination: %w", target, err)
	}
	invariants.CheckTerminationVerified(ctx, "proctree.Tree.KillAfterGrace", target.String(), !alive)
	if alive {
		return true, fmt.Errorf("%s still alive after termination", target)
	}
	return true, nil
}

func (t *Tree) waitForExit(ctx context.Context, pid int, window time.Duration) (bool, error) {
	if window <= 0 {
		window = t.terminationPollInterval
	}

	deadline := t.now().Add(window)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		alive, err := t.checker.Alive(pid)
		if err != nil {
			return false, err
		}
		if !alive {
			return true, nil
		}
		if !t.now().Before(deadline) {
			return false, nil
		}
		t.sleep(t.terminationPollInterval)
	}
}

// IsProcessGone reports whether err indicates the signaled process no longer exists.
func IsProcessGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ESRCH)
}

func parsePID(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, errors.New("empty process id output")
	}
	pid, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse process id %q: %w", trimmed, err)
	}
	return pid, nil
}

// Terminate applies the default escalating termination to a target.
func Terminate(ctx context.Context, target Target) error {
	tree, err := New(Options{})
	if err != nil {
		return err
	}
	return tree.Terminate(ctx, target, DefaultTerminationGracePeriod)
}

// GroupID resolves the process-group id for a pid with default dependencies.
func GroupID(ctx context.Context, pid int) (int, error) {
	tree, err := New(Options{})
	if err != nil {
		return 0, err
	}
	return tree.GroupID(ctx, pid)
}

var _ CommandRunner = defaultCommandRunner{}
var _ ProcessSignaler = defaultProcessSignaler{}
var _ ProcessChecker = defaultProcessChecker{}
