package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/internal/daemon"
	"github.com/harun/autolab/pkg/control"
	"github.com/spf13/cobra"
)

var (
	statusJSON    bool
	statusReports int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the autolab daemon.
A running daemon is queried over its control endpoint. Otherwise the status
is read from the PID file and the knowledge store.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the status as JSON")
	statusCmd.Flags().IntVar(&statusReports, "reports", 5, "number of recent cycle reports to show when offline")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if cfg.Control.Enabled {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		var live daemon.Status
		client := control.NewHTTPClient(cfg.ControlAddr(), cfg.Control.SharedSecret)
		if err := client.Status(ctx, &live); err == nil {
			if statusJSON {
				return writeJSON(out, live)
			}
			printLiveStatus(out, live)
			return nil
		}
	}

	offline, err := daemon.ReadStatus(cmd.Context(), cfg, statusReports)
	if err != nil {
		return err
	}
	if statusJSON {
		return writeJSON(out, offline)
	}
	printOfflineStatus(out, cfg, offline)
	return nil
}

func printLiveStatus(w io.Writer, st daemon.Status) {
	s := st.Scheduler
	fmt.Fprintf(w, "Status: running\n")
	fmt.Fprintf(w, "PID: %d\n", st.PID)
	fmt.Fprintf(w, "Uptime: %s\n", formatDuration(st.Uptime))
	fmt.Fprintf(w, "Kinds: %s\n", strings.Join(st.Kinds, ", "))
	fmt.Fprintf(w, "Scheduler: %s (cycle %d)\n", s.State, s.Cycle)
	fmt.Fprintf(w, "In flight: %d, deferred: %d\n", s.InFlight, s.Deferred)
	if s.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, "Consecutive failures: %d\n", s.ConsecutiveFailures)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", s.LastError)
	}
	if !s.NextCycleAt.IsZero() {
		fmt.Fprintf(w, "Next cycle: %s\n", s.NextCycleAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Results: %d (%d succeeded, %d failed, %d timed out)\n",
		s.Totals.Results, s.Totals.Success, s.Totals.Failure, s.Totals.Timeout)
	if s.Evaluation != nil {
		for _, g := range s.Evaluation.Goals {
			fmt.Fprintf(w, "  goal %s: %.4g / %.4g (deficit %.2f)\n", g.Goal.Name, g.Current, g.Goal.Target, g.Deficit)
		}
	}
	if r := s.LastReport; r != nil {
		fmt.Fprintf(w, "Last cycle %d: %d planned, %d executed (%d succeeded, %d failed, %d timed out)\n",
			r.Cycle, r.ActionsPlanned, r.ActionsExecuted, r.SuccessCount, r.FailureCount, r.TimeoutCount)
		if r.Failed() {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		printInsights(w, r.Insights)
	}
}

func printOfflineStatus(w io.Writer, cfg *config.Config, st daemon.OfflineStatus) {
	switch {
	case st.Running:
		fmt.Fprintf(w, "Status: running (control endpoint unreachable)\n")
		fmt.Fprintf(w, "PID: %d\n", st.PID)
	default:
		fmt.Fprintf(w, "Status: stopped\n")
	}
	fmt.Fprintf(w, "Store: %s\n", storeLabel(cfg))
	fmt.Fprintf(w, "Entities: %d\n", st.Entities)
	fmt.Fprintf(w, "Results: %d (%d succeeded, %d failed, %d timed out)\n",
		st.Totals.Results, st.Totals.Success, st.Totals.Failure, st.Totals.Timeout)
	for _, r := range st.Reports {
		line := fmt.Sprintf("  cycle %d at %s: %d executed, %d succeeded",
			r.Cycle, r.StartedAt.Format(time.RFC3339), r.ActionsExecuted, r.SuccessCount)
		if r.Failed() {
			line += ", error: " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	// Reports are newest first.
	if len(st.Reports) > 0 {
		printInsights(w, st.Reports[0].Insights)
	}
}

func printInsights(w io.Writer, insights []string) {
	if len(insights) == 0 {
		return
	}
	fmt.Fprintf(w, "Insights:\n")
	for _, insight := range insights {
		fmt.Fprintf(w, "  - %s\n", insight)
	}
}

func storeLabel(cfg *config.Config) string {
	if cfg.Store.Driver == "memory" {
		return "memory"
	}
	return cfg.Store.Path
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
