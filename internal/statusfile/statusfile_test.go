package statusfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dev-servers.json")
	uptime := 12.5
	exitCode := 0

	snapshot := Snapshot{
		Servers: []ServerStatus{
			{
				SessionID: 3,
				Status:    "running",
				PID:       4242,
				Port:      3003,
				URL:       "http://localhost:3003",
				Command:   "npm run dev",
				StartedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
				Uptime:    &uptime,
			},
			{
				SessionID: 4,
				Status:    "stopped",
				PID:       4243,
				Port:      3004,
				Command:   "pnpm dev",
				StartedAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
				ExitCode:  &exitCode,
			},
		},
		SystemProcesses: []SystemProcess{
			{PID: 900, Command: "postgres", Port: 5432, Address: "127.0.0.1", User: "postgres", Managed: false},
		},
		UpdatedAt: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
	}

	if err := Write(path, snapshot); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(loaded.Servers) != 2 {
		t.Fatalf("server count = %d, want 2", len(loaded.Servers))
	}
	if loaded.Servers[0].URL != "http://localhost:3003" {
		t.Fatalf("url = %q", loaded.Servers[0].URL)
	}
	if loaded.Servers[0].Uptime == nil || *loaded.Servers[0].Uptime != 12.5 {
		t.Fatalf("uptime = %v, want 12.5", loaded.Servers[0].Uptime)
	}
	if loaded.Servers[1].Uptime != nil {
		t.Fatalf("stopped server uptime = %v, want nil", loaded.Servers[1].Uptime)
	}
	if loaded.Servers[1].ExitCode == nil || *loaded.Servers[1].ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", loaded.Servers[1].ExitCode)
	}
	if len(loaded.SystemProcesses) != 1 || loaded.SystemProcesses[0].Command != "postgres" {
		t.Fatalf("system processes = %+v", loaded.SystemProcesses)
	}
	if !loaded.UpdatedAt.Equal(snapshot.UpdatedAt) {
		t.Fatalf("updated at = %v, want %v", loaded.UpdatedAt, snapshot.UpdatedAt)
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "dev-servers.json")

	if err := Write(path, Empty()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestWriteStampsUpdatedAtAndCreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "status", "dev-servers.json")

	before := time.Now().UTC()
	if err := Write(path, Snapshot{}); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded.UpdatedAt.Before(before.Add(-time.Second)) {
		t.Fatalf("updated at %v not stamped", loaded.UpdatedAt)
	}
	if loaded.Servers == nil || loaded.SystemProcesses == nil {
		t.Fatal("nil slices after load; want allocated empty slices")
	}
}

func TestLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	t.Parallel()

	loaded, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(loaded.Servers) != 0 || len(loaded.SystemProcesses) != 0 {
		t.Fatalf("snapshot not empty: %+v", loaded)
	}
}

func TestLoadCorruptFileReturnsTypedError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "dev-servers.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	_, err := Load(path)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("error = %v, want ErrCorrupt", err)
	}
}

func TestWriteRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if err := Write("", Empty()); err == nil {
		t.Fatal("expected path validation error")
	}
}
