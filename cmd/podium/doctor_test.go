package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/podium-dev/podium/internal/config"
	"github.com/podium-dev/podium/internal/doctor"
	"github.com/podium-dev/podium/internal/reaper"
)

func TestRunDoctorReportsFileBackedChecks(t *testing.T) {
	stateDir := t.TempDir()
	agentDir := filepath.Join(stateDir, "agent-state")
	if err := os.MkdirAll(agentDir, 0o750); err != nil {
		t.Fatalf("create agent dir: %v", err)
	}

	stalePath := filepath.Join(agentDir, "agent-1.json")
	if err := os.WriteFile(stalePath, []byte(`{"agentId":"agent-1","state":"working"}`), 0o600); err != nil {
		t.Fatalf("write stale agent file: %v", err)
	}
	staleTime := time.Now().Add(-30 * time.Minute)
	if err := os.Chtimes(stalePath, staleTime, staleTime); err != nil {
		t.Fatalf("age stale agent file: %v", err)
	}

	freshPath := filepath.Join(agentDir, "agent-2.json")
	if err := os.WriteFile(freshPath, []byte(`{"agentId":"agent-2","state":"working"}`), 0o600); err != nil {
		t.Fatalf("write fresh agent file: %v", err)
	}

	statusPath := filepath.Join(stateDir, "dev-servers.json")
	if err := os.WriteFile(statusPath, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write status file: %v", err)
	}

	cfg := &config.Config{
		PortRangeStart:  3000,
		PortRangeEnd:    3099,
		AgentStaleAfter: 5 * time.Minute,
		AgentStateDir:   agentDir,
		StatusFile:      statusPath,
	}

	var out bytes.Buffer
	if err := runDoctor(context.Background(), &out, cfg); err != nil {
		t.Fatalf("run doctor: %v", err)
	}

	var report doctor.HealthReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode health report: %v\n%s", err, out.String())
	}
	if report.StaleAgentFiles != 1 {
		t.Fatalf("stale agent files = %d, want 1", report.StaleAgentFiles)
	}
	if report.SnapshotAge < 0 {
		t.Fatalf("snapshot age = %f, want >= 0", report.SnapshotAge)
	}
	if report.ManagedProcesses != 0 || report.ActiveSessions != 0 {
		t.Fatalf("one-shot registry should be empty: %+v", report)
	}
	if report.Heartbeat.IsZero() {
		t.Fatalf("heartbeat timestamp missing: %+v", report)
	}
}

func TestRunDoctorMissingStateYieldsNegativeSnapshotAge(t *testing.T) {
	stateDir := t.TempDir()
	cfg := &config.Config{
		PortRangeStart:  3000,
		PortRangeEnd:    3099,
		AgentStaleAfter: 5 * time.Minute,
		AgentStateDir:   filepath.Join(stateDir, "agent-state"),
		StatusFile:      filepath.Join(stateDir, "dev-servers.json"),
	}

	var out bytes.Buffer
	if err := runDoctor(context.Background(), &out, cfg); err != nil {
		t.Fatalf("run doctor: %v", err)
	}

	var report doctor.HealthReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode health report: %v\n%s", err, out.String())
	}
	if report.SnapshotAge != -1 {
		t.Fatalf("snapshot age = %f, want -1 sentinel for missing file", report.SnapshotAge)
	}
	if report.StaleAgentFiles != 0 {
		t.Fatalf("stale agent files = %d, want 0 for missing directory", report.StaleAgentFiles)
	}
}

func TestRenderOrphansFormatsRows(t *testing.T) {
	orphans := []reaper.OrphanInfo{
		{PID: 321, PGID: 321, Command: "claude", GroupResolved: true},
		{PID: 654, Command: "codex", GroupResolved: false},
	}

	var out bytes.Buffer
	if err := renderOrphans(&out, orphans); err != nil {
		t.Fatalf("render orphans: %v", err)
	}

	output := out.String()
	for _, want := range []string{"claude", "codex", "321"} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q: %s", want, output)
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == "654" {
			if fields[1] != "-" {
				t.Fatalf("unresolved group should render as -, got %q", fields[1])
			}
			return
		}
	}
	t.Fatalf("row for pid 654 not found: %s", output)
}

func TestRenderOrphansEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := renderOrphans(&out, nil); err != nil {
		t.Fatalf("render orphans: %v", err)
	}
	if !strings.Contains(out.String(), "No orphaned agent processes found.") {
		t.Fatalf("empty listing message missing: %s", out.String())
	}
}
