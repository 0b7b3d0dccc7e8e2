package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID string
	level string
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithLevel configures the minimum level; unknown names fall back to info.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	runID      string
}

// New initializes logging under ~/.podium/logs without writing to stdout.
// When the log file cannot be created the logger degrades to stderr so the
// daemon keeps running on read-only or misconfigured home directories.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	resolved := resolveOptions(options)
	level := parseLevel(resolved.level)

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("podium-%s.log", timestamp)
	if resolved.runID != "" {
		fileName = fmt.Sprintf("podium-%s-%s.log", timestamp, resolved.runID)
	}

	logDir := filepath.Join(homeDir, ".podium", "logs")
	file, filePath, fileErr := openLogFile(logDir, fileName)
	if fileErr != nil {
		runtimeLogger := newConsoleLogger(level, resolved.runID)
		runtimeLogger.Logger.With("error", fileErr.Error()).Warn("log file unavailable, logging to stderr")
		_ = ctx
		return runtimeLogger, nil
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		runID:      resolved.runID,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithRunID updates the run_id field for subsequent log records.
func (r *RuntimeLogger) WithRunID(runID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.runID = strings.TrimSpace(runID)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path; empty for the stderr fallback.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	r.Logger = r.baseLogger.With("run_id", r.runID)
}

func openLogFile(logDir, fileName string) (*os.File, string, error) {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create log directory: %w", err)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("open log file: %w", err)
	}
	return file, filePath, nil
}

func newConsoleLogger(level log.Level, runID string) *RuntimeLogger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	runtimeLogger := &RuntimeLogger{
		baseLogger: logger,
		runID:      runID,
	}
	runtimeLogger.rebuildLogger()
	return runtimeLogger
}

func parseLevel(value string) log.Level {
	if value == "" {
		return log.InfoLevel
	}
	parsed, err := log.ParseLevel(strings.ToLower(value))
	if err != nil {
		return log.InfoLevel
	}
	return parsed
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
