// Package statusfile owns the on-disk dev-server status snapshot: the wire
// schema, the atomic writer, and the tolerant loader. The supervisor is the
// single writer; external viewers poll the file on their own schedule.
package statusfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrCorrupt indicates the snapshot file exists but cannot be decoded.
// Callers treat it as advisory: log and continue with an empty snapshot.
var ErrCorrupt = errors.New("status snapshot is corrupt")

// ServerStatus is one dev-server row in the snapshot file.
type ServerStatus struct {
	SessionID int       `json:"sessionId"`
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	URL       string    `json:"url,omitempty"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
	Uptime    *float64  `json:"uptime"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// SystemProcess is one system-wide TCP listener row in the snapshot file.
type SystemProcess struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
	Port    int    `json:"port"`
	Address string `json:"address"`
	User    string `json:"user"`
	Managed bool   `json:"managed"`
}

// Snapshot is the full status file payload.
type Snapshot struct {
	Servers         []ServerStatus  `json:"servers"`
	SystemProcesses []SystemProcess `json:"systemProcesses"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Empty returns a snapshot with allocated slices and no entries.
func Empty() Snapshot {
	return Snapshot{
		Servers:         []ServerStatus{},
		SystemProcesses: []SystemProcess{},
	}
}

// Write persists the snapshot atomically: marshal, write path+".tmp", rename.
// A concurrent reader observes either the previous or the new complete file.
func Write(path string, snapshot Snapshot) error {
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return errors.New("status file path is required")
	}

	if snapshot.Servers == nil {
		snapshot.Servers = []ServerStatus{}
	}
	if snapshot.SystemProcesses == nil {
		snapshot.SystemProcesses = []SystemProcess{}
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status snapshot: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create status directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write status temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// Load reads a snapshot from path. A missing file yields an empty snapshot
// and no error; an undecodable file yields ErrCorrupt.
func Load(path string) (Snapshot, error) {
	// #nosec G304 -- the status path is a fixed per-installation location.
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return Empty(), fmt.Errorf("read status file: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Empty(), fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if snapshot.Servers == nil {
		snapshot.Servers = []ServerStatus{}
	}
	if snapshot.SystemProcesses == nil {
		snapshot.SystemProcesses = []SystemProcess{}
	}
	return snapshot, nil
}

// DefaultPath resolves the per-installation status file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".podium", "dev-servers.json"), nil
}
