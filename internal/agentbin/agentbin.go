// Package agentbin knows which executables are AI coding agents. The reaper
// uses it to match orphaned process names and the session launcher uses it to
// resolve agent binaries outside PATH.
package agentbin

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// KnownBinaries lists agent executable names in deterministic order.
var KnownBinaries = []string{
	"claude",
	"codex",
	"gemini",
	"cursor-agent",
	"amp",
	"aider",
	"goose",
}

// commonInstallDirs are probed, relative to the home directory where noted,
// when a binary is not on PATH.
var commonInstallDirs = []string{
	"~/.local/bin",
	"~/.claude/local",
	"/usr/local/bin",
	"/opt/homebrew/bin",
}

// IsAgentBinary reports whether name exactly matches a known agent binary.
func IsAgentBinary(name string) bool {
	name = strings.TrimSpace(name)
	for _, known := range KnownBinaries {
		if name == known {
			return true
		}
	}
	return false
}

// IsAgentCommand reports whether a process-table command value refers to a
// known agent binary. The value may carry a path prefix and trailing
// arguments, as ps reports them.
func IsAgentCommand(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	fields := strings.Fields(command)
	base := filepath.Base(fields[0])
	// Versioned installs ship names like claude-1.2.3.
	for _, known := range KnownBinaries {
		if base == known || strings.HasPrefix(base, known+"-") {
			return true
		}
	}
	return false
}

// Resolver locates agent binaries with injectable filesystem probes.
type Resolver struct {
	lookPath func(file string) (string, error)
	stat     func(name string) (os.FileInfo, error)
	homeDir  func() (string, error)
}

// NewResolver builds a resolver backed by the real PATH and filesystem.
func NewResolver() *Resolver {
	return &Resolver{
		lookPath: exec.LookPath,
		stat:     os.Stat,
		homeDir:  os.UserHomeDir,
	}
}

// Resolve returns the absolute path of a known agent binary, trying PATH
// first and then the common install directories.
func (r *Resolver) Resolve(name string) (string, error) {
	if r == nil {
		return "", errors.New("resolver is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("binary name is required")
	}
	if !IsAgentBinary(name) {
		return "", fmt.Errorf("%q is not a known agent binary", name)
	}

	if path, err := r.lookPath(name); err == nil {
		return path, nil
	}

	for _, dir := range commonInstallDirs {
		resolved, ok := r.expandDir(dir)
		if !ok {
			continue
		}
		candidate := filepath.Join(resolved, name)
		info, err := r.stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}

	return "", fmt.Errorf("agent binary %q not found on PATH or in common install directories", name)
}

// Available reports which known agent binaries resolve, in catalog order.
func (r *Resolver) Available() []string {
	if r == nil {
		return nil
	}
	available := make([]string, 0, len(KnownBinaries))
	for _, name := range KnownBinaries {
		if _, err := r.Resolve(name); err == nil {
			available = append(available, name)
		}
	}
	return available
}

func (r *Resolver) expandDir(dir string) (string, bool) {
	if !strings.HasPrefix(dir, "~/") {
		return dir, true
	}
	home, err := r.homeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~/")), true
}
