package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/charmbracelet/log"
	"github.com/podium-dev/podium/internal/config"
	"github.com/podium-dev/podium/internal/doctor"
	"github.com/podium-dev/podium/internal/events"
	"github.com/podium-dev/podium/internal/ports"
	"github.com/podium-dev/podium/internal/reaper"
	"github.com/podium-dev/podium/internal/registry"
	"github.com/spf13/cobra"
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run one-shot health checks against on-disk state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg == nil {
				return errors.New("config is required")
			}
			if logger != nil {
				logger.With("command", "doctor").Debug("running health checks")
			}
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

// runDoctor reports what a separate process can see: agent-file staleness and
// snapshot age. The registry and port counters cover this process only, so
// they read zero when the daemon runs elsewhere.
func runDoctor(ctx context.Context, out io.Writer, cfg *config.Config) error {
	reg, err := registry.New(registry.Options{})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	alloc, err := ports.NewAllocator(ports.Config{
		RangeStart: cfg.PortRangeStart,
		RangeEnd:   cfg.PortRangeEnd,
	})
	if err != nil {
		return fmt.Errorf("build port allocator: %w", err)
	}
	manager, err := doctor.NewManager(reg, alloc, events.New(), doctor.Config{
		AgentStaleAfter: cfg.AgentStaleAfter,
		AgentStateDir:   cfg.AgentStateDir,
		StatusFile:      cfg.StatusFile,
	})
	if err != nil {
		return fmt.Errorf("build doctor: %w", err)
	}

	report, err := manager.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("run health checks: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func newReapCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Find and terminate orphaned agent processes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg == nil {
				return errors.New("config is required")
			}
			return runReap(cmd.Context(), cmd.OutOrStdout(), cfg, logger, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphaned agents without terminating them")
	return cmd
}

// runReap sweeps with an empty registry. That is safe: only agent processes
// reparented to init qualify as orphans, and anything a live daemon still
// supervises has the daemon as its parent.
func runReap(ctx context.Context, out io.Writer, cfg *config.Config, logger *log.Logger, dryRun bool) error {
	reg, err := registry.New(registry.Options{})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	sweeper, err := reaper.New(reaper.Options{
		Registry:  reg,
		Logger:    logger,
		KillGrace: cfg.RegistryKillGrace,
	})
	if err != nil {
		return fmt.Errorf("build reaper: %w", err)
	}

	if dryRun {
		orphans, err := sweeper.FindOrphanedAgents(ctx)
		if err != nil {
			return fmt.Errorf("find orphaned agents: %w", err)
		}
		return renderOrphans(out, orphans)
	}

	reaped, err := sweeper.ReapAll(ctx)
	if err != nil {
		return fmt.Errorf("reap orphaned agents: %w", err)
	}
	_, err = fmt.Fprintf(out, "Reaped %d orphaned agent process(es).\n", reaped)
	return err
}

func renderOrphans(out io.Writer, orphans []reaper.OrphanInfo) error {
	if len(orphans) == 0 {
		_, err := fmt.Fprintln(out, "No orphaned agent processes found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPGID\tCOMMAND")
	for _, orphan := range orphans {
		pgid := "-"
		if orphan.GroupResolved {
			pgid = strconv.Itoa(orphan.PGID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", orphan.PID, pgid, orphan.Command)
	}
	return w.Flush()
}
