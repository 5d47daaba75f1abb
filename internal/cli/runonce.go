package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/harun/autolab/internal/daemon"
	"github.com/harun/autolab/internal/logger"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/spf13/cobra"
)

var runOnceJSON bool

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single cycle and exit",
	Long: `Run a single evaluate, plan, execute and record cycle, wait for its
actions to finish and print the cycle report.`,
	RunE: runRunOnce,
}

func init() {
	runOnceCmd.Flags().BoolVar(&runOnceJSON, "json", false, "print the report as JSON")
	rootCmd.AddCommand(runOnceCmd)
}

func runRunOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	report, runErr := d.RunOnce(cmd.Context())
	if report.Cycle > 0 {
		if err := printReport(cmd.OutOrStdout(), report, runOnceJSON); err != nil {
			return err
		}
	}
	return runErr
}

func printReport(w io.Writer, report knowledge.CycleReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Fprintf(w, "Cycle %d (%s)\n", report.Cycle, formatDuration(report.EndedAt.Sub(report.StartedAt)))
	fmt.Fprintf(w, "  planned:  %d\n", report.ActionsPlanned)
	fmt.Fprintf(w, "  executed: %d (%d succeeded, %d failed, %d timed out)\n",
		report.ActionsExecuted, report.SuccessCount, report.FailureCount, report.TimeoutCount)
	if report.ActionsDeferred > 0 {
		fmt.Fprintf(w, "  deferred: %d\n", report.ActionsDeferred)
	}
	if report.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", report.Error)
	}
	for _, insight := range report.Insights {
		fmt.Fprintf(w, "  - %s\n", insight)
	}
	return nil
}
