// Package scanner polls the OS for all processes listening on TCP ports and
// tags each row as managed or unmanaged using the registry's pid set. Scans
// are wholesale snapshots; downstream work runs only when a snapshot differs
// from the previous one.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/statusfile"
	"github.com/podium-dev/podium/internal/tracing"
)

const (
	// DefaultScanInterval is the periodic scan cadence.
	DefaultScanInterval = 5 * time.Second

	// DefaultRangeStart and DefaultRangeEnd bound the dev-port filter window.
	DefaultRangeStart = 3000
	DefaultRangeEnd   = 3099
)

// commonServicePorts stay visible through the default filter even though they
// sit outside the dev range.
var commonServicePorts = map[int]struct{}{
	80:   {},
	443:  {},
	3306: {},
	5432: {},
	6379: {},
	8000: {},
	8080: {},
	8888: {},
}

// CommandRunner executes the TCP listener enumeration tool.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Options configures a port scanner.
type Options struct {
	Runner     CommandRunner
	Bus        events.Bus
	Logger     *log.Logger
	Interval   time.Duration
	RangeStart int
	RangeEnd   int
	// OnChange fires with the fresh snapshot whenever it differs from the
	// cached one.
	OnChange func([]statusfile.SystemProcess)
}

// Scanner enumerates system-wide TCP listeners on a timer.
type Scanner struct {
	runner     CommandRunner
	bus        events.Bus
	logger     *log.Logger
	interval   time.Duration
	rangeStart int
	rangeEnd   int
	onChange   func([]statusfile.SystemProcess)

	mu          sync.Mutex
	cached      []statusfile.SystemProcess
	managedPIDs map[int]struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a port scanner with default dependencies where omitted.
func New(opts Options) (*Scanner, error) {
	runner := opts.Runner
	if runner == nil {
		runner = lsofRunner{}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultScanInterval
	}

	rangeStart := opts.RangeStart
	if rangeStart <= 0 {
		rangeStart = DefaultRangeStart
	}
	rangeEnd := opts.RangeEnd
	if rangeEnd <= 0 {
		rangeEnd = DefaultRangeEnd
	}
	if rangeEnd < rangeStart {
		return nil, fmt.Errorf("scan range end %d before start %d", rangeEnd, rangeStart)
	}

	return &Scanner{
		runner:      runner,
		bus:         opts.Bus,
		logger:      opts.Logger,
		interval:    interval,
		rangeStart:  rangeStart,
		rangeEnd:    rangeEnd,
		onChange:    opts.OnChange,
		cached:      []statusfile.SystemProcess{},
		managedPIDs: make(map[int]struct{}),
	}, nil
}

// RegisterManagedPID marks a pid as registry-owned for snapshot tagging.
func (s *Scanner) RegisterManagedPID(pid int) {
	if s == nil || pid <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managedPIDs[pid] = struct{}{}
}

// UnregisterManagedPID removes a pid from the managed set.
func (s *Scanner) UnregisterManagedPID(pid int) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.managedPIDs, pid)
}

// Cached returns the last scan result without touching the OS.
func (s *Scanner) Cached() []statusfile.SystemProcess {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statusfile.SystemProcess, len(s.cached))
	copy(out, s.cached)
	return out
}

// Scan forces a fresh listener enumeration, updates the cache, and fires the
// change callback when the snapshot differs from the previous one. A failed
// tool invocation degrades to an empty snapshot rather than an error: the
// scan loop must survive a missing or failing enumeration tool.
func (s *Scanner) Scan(ctx context.Context) []statusfile.SystemProcess {
	if s == nil {
		return nil
	}

	fresh := s.enumerate(ctx)

	s.mu.Lock()
	for i := range fresh {
		_, fresh[i].Managed = s.managedPIDs[fresh[i].PID]
	}
	changed := !snapshotsEqual(s.cached, fresh)
	if changed {
		s.cached = fresh
	}
	s.mu.Unlock()

	if changed {
		if s.onChange != nil {
			out := make([]statusfile.SystemProcess, len(fresh))
			copy(out, fresh)
			s.onChange(out)
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:       events.EventTypeScannerSnapshot,
				Timestamp:  time.Now().UTC(),
				EntityType: "scanner",
				EntityID:   "system-ports",
				Payload:    fresh,
				Severity:   events.SeverityInfo,
			})
		}
	}

	out := make([]statusfile.SystemProcess, len(fresh))
	copy(out, fresh)
	return out
}

// FilterRelevant keeps dev-range ports plus allow-listed common service
// ports. includeAll bypasses the filter entirely.
func (s *Scanner) FilterRelevant(processes []statusfile.SystemProcess, includeAll bool) []statusfile.SystemProcess {
	if s == nil {
		return nil
	}
	if includeAll {
		out := make([]statusfile.SystemProcess, len(processes))
		copy(out, processes)
		return out
	}

	out := make([]statusfile.SystemProcess, 0, len(processes))
	for _, process := range processes {
		if process.Port >= s.rangeStart && process.Port <= s.rangeEnd {
			out = append(out, process)
			continue
		}
		if _, ok := commonServicePorts[process.Port]; ok {
			out = append(out, process)
		}
	}
	return out
}

// Start launches the periodic scan loop. A second Start is a no-op until Stop.
func (s *Scanner) Start(ctx context.Context) {
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Scan(loopCtx)
			}
		}
	}()
}

// Stop cancels the scan loop and waits for it to exit.
func (s *Scanner) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Scanner) enumerate(ctx context.Context) []statusfile.SystemProcess {
	out, err := s.runner.Run(ctx, "lsof", "-iTCP", "-sTCP:LISTEN", "-P", "-n")
	if err != nil {
		// lsof exits nonzero when nothing matches; treat every failure as
		// an empty listener set and keep the loop alive.
		if s.logger != nil {
			s.logger.With("error", err.Error()).Warn("listener enumeration failed, using empty snapshot")
		}
		return []statusfile.SystemProcess{}
	}
	return parseListenerTable(string(out))
}

// parseListenerTable reads lsof -iTCP -sTCP:LISTEN -P -n output. Malformed
// rows are skipped rather than failing the scan.
func parseListenerTable(raw string) []statusfile.SystemProcess {
	rows := make([]statusfile.SystemProcess, 0)
	seen := make(map[string]struct{})

	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		if fields[0] == "COMMAND" {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		address, port, ok := splitListenAddress(fields[8])
		if !ok {
			continue
		}

		key := fmt.Sprintf("%d:%d:%s", pid, port, address)
		if _, dup := seen[key]; dup {
			// lsof repeats listeners per file descriptor (IPv4 + IPv6).
			continue
		}
		seen[key] = struct{}{}

		rows = append(rows, statusfile.SystemProcess{
			PID:     pid,
			Command: fields[0],
			Port:    port,
			Address: address,
			User:    fields[2],
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Port == rows[j].Port {
			return rows[i].PID < rows[j].PID
		}
		return rows[i].Port < rows[j].Port
	})
	return rows
}

func splitListenAddress(name string) (string, int, bool) {
	// NAME looks like 127.0.0.1:3000, *:5432, or [::1]:8080.
	idx := strings.LastIndex(name, ":")
	if idx <= 0 || idx == len(name)-1 {
		return "", 0, false
	}
	port, err := strconv.Atoi(name[idx+1:])
	if err != nil || port <= 0 {
		return "", 0, false
	}
	address := strings.Trim(name[:idx], "[]")
	if address == "" {
		return "", 0, false
	}
	return address, port, true
}

func snapshotsEqual(a, b []statusfile.SystemProcess) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type lsofRunner struct{}

func (lsofRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	_, stdout, _, err := tracing.ExecuteTool(ctx, name, args, os.TempDir())
	if err != nil {
		return nil, tracing.WrapExecutionError(name, args, err)
	}
	return []byte(stdout), nil
}

var _ CommandRunner = lsofRunner{}
