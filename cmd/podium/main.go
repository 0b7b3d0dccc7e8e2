package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/podium-dev/podium/internal/config"
	"github.com/podium-dev/podium/internal/daemon"
	"github.com/podium-dev/podium/internal/logging"
	"github.com/podium-dev/podium/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx, logging.WithLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	telemetry.ServiceVersion = Version
	logger.Logger.With("command", resolveCommandName(args), "args", redactArgs(args)).Debug("cli invocation")

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "podium",
		Short:         "Supervisor for multi-session agent workspaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newStatusCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
		newReapCommand(cfg, logger),
		newBugreportCommand(logger),
		newVersionCommand(),
	)

	var telemetryShutdown func()
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if endpoint := strings.TrimSpace(cfg.Telemetry.Endpoint); endpoint != "" {
			telemetry.SetEndpointOverride(endpoint)
		}
		if cfg.Telemetry.Enabled {
			shutdown, err := telemetry.Init(cmd.Context())
			if err != nil {
				logger.With("error", err.Error()).Warn("telemetry unavailable, continuing without traces")
			} else {
				telemetryShutdown = shutdown
			}
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	root.PersistentPostRun = func(*cobra.Command, []string) {
		if telemetryShutdown != nil {
			telemetryShutdown()
		}
	}

	_ = ctx
	return root
}

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg == nil {
				return errors.New("config is required")
			}
			if logger != nil {
				logger.With("command", "serve").Info("starting supervisor daemon")
			}
			return daemon.Run(cmd.Context(), *cfg, logger)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the podium version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	}
}

// resolveCommandName picks the first non-flag argument for the invocation
// log; flag values are not distinguished from subcommand names here.
func resolveCommandName(args []string) string {
	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if trimmed == "" || strings.HasPrefix(trimmed, "-") {
			continue
		}
		return trimmed
	}
	return "root"
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		lower := strings.ToLower(trimmed)
		if isSensitiveToken(lower) {
			maskNext = true
			redacted = append(redacted, trimmed)
			continue
		}

		redacted = append(redacted, trimmed)
	}

	return redacted
}

// isSensitiveToken matches broadly on purpose: over-redacting a diagnostic
// artifact is harmless, leaking a credential is not.
func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"key",
		"token",
		"password",
		"passwd",
		"secret",
		"auth",
		"bearer",
		"credential",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}
