package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/podium-dev/podium/internal/config"
	"github.com/podium-dev/podium/internal/scanner"
	"github.com/podium-dev/podium/internal/state"
	"github.com/podium-dev/podium/internal/statusfile"
	"github.com/spf13/cobra"
)

func newStatusCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var jsonOutput bool
	var allPorts bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dev servers and listening ports from the latest snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg == nil {
				return errors.New("config is required")
			}
			return runStatus(cmd.OutOrStdout(), cfg, logger, jsonOutput, allPorts)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the snapshot as JSON")
	cmd.Flags().BoolVar(&allPorts, "all-ports", false, "include listeners outside the dev port range")
	return cmd
}

// runStatus reads the snapshot file the daemon maintains; it never inspects
// live processes, so it works the same whether or not the daemon is running.
func runStatus(out io.Writer, cfg *config.Config, logger *log.Logger, jsonOutput, allPorts bool) error {
	statusPath := cfg.StatusFile
	if statusPath == "" {
		defaultPath, err := statusfile.DefaultPath()
		if err != nil {
			return err
		}
		statusPath = defaultPath
	}

	snapshot, err := statusfile.Load(statusPath)
	if err != nil {
		if !errors.Is(err, statusfile.ErrCorrupt) {
			return err
		}
		if logger != nil {
			logger.With("path", statusPath, "error", err.Error()).Warn("ignoring corrupt status snapshot")
		}
	}

	filter, err := scanner.New(scanner.Options{
		RangeStart: cfg.PortRangeStart,
		RangeEnd:   cfg.PortRangeEnd,
	})
	if err != nil {
		return fmt.Errorf("build port filter: %w", err)
	}
	snapshot.SystemProcesses = filter.FilterRelevant(snapshot.SystemProcesses, allPorts)

	// Snapshot rows come off disk; normalize their statuses and flag anything
	// outside the server vocabulary instead of rendering it verbatim.
	for i, server := range snapshot.Servers {
		normalized, err := state.ParseServerStatus(server.Status)
		if err != nil {
			if logger != nil {
				logger.With(
					"session", server.SessionID,
					"status", server.Status,
					"known", strings.Join(state.KnownServerStatuses(), ","),
				).Warn("snapshot row has unknown server status")
			}
			snapshot.Servers[i].Status = "unknown"
			continue
		}
		snapshot.Servers[i].Status = normalized
	}

	if jsonOutput {
		data, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal status snapshot: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	return renderStatusText(out, snapshot)
}

func renderStatusText(out io.Writer, snapshot statusfile.Snapshot) error {
	if snapshot.UpdatedAt.IsZero() {
		_, err := fmt.Fprintln(out, "No status snapshot found. Start the daemon with `podium serve`.")
		return err
	}

	fmt.Fprintf(out, "Snapshot updated %s\n", snapshot.UpdatedAt.UTC().Format(time.RFC3339))

	fmt.Fprintln(out, "\nDev servers:")
	if len(snapshot.Servers) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  SESSION\tSTATUS\tPID\tPORT\tUPTIME\tURL\tCOMMAND")
		for _, server := range snapshot.Servers {
			fmt.Fprintf(w, "  %d\t%s\t%d\t%d\t%s\t%s\t%s\n",
				server.SessionID,
				server.Status,
				server.PID,
				server.Port,
				formatUptime(server.Uptime),
				server.URL,
				server.Command,
			)
		}
		_ = w.Flush()
	}

	fmt.Fprintln(out, "\nListening ports:")
	if len(snapshot.SystemProcesses) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  PID\tCOMMAND\tPORT\tADDRESS\tMANAGED")
		for _, process := range snapshot.SystemProcesses {
			managed := "-"
			if process.Managed {
				managed = "yes"
			}
			fmt.Fprintf(w, "  %d\t%s\t%d\t%s\t%s\n",
				process.PID,
				process.Command,
				process.Port,
				process.Address,
				managed,
			)
		}
		_ = w.Flush()
	}

	return nil
}

func formatUptime(uptime *float64) string {
	if uptime == nil {
		return "-"
	}
	seconds := *uptime
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}
