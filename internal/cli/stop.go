package cli

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/autolab/internal/daemon"
	"github.com/harun/autolab/pkg/control"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
	stopForce   bool
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the autolab daemon",
	Long: `Stop the autolab daemon gracefully.
The daemon finishes its current cycle and running actions before exiting.
The control endpoint is used when enabled, otherwise SIGTERM is sent.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 60, "timeout in seconds to wait for the daemon to stop")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "send SIGKILL when the timeout is reached")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(cfg.PIDFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Daemon is not running")
		return nil
	}

	requested := false
	if cfg.Control.Enabled {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		err := control.NewHTTPClient(cfg.ControlAddr(), cfg.Control.SharedSecret).Stop(ctx)
		cancel()
		if err == nil {
			requested = true
		} else {
			fmt.Fprintf(out, "Control endpoint unavailable (%v), sending SIGTERM\n", err)
		}
	}
	if !requested {
		if _, err := daemon.SignalStop(cfg.PIDFile); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Stopping daemon (PID %d)...\n", pid)

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if !stopForce {
		return fmt.Errorf("daemon (PID %d) did not stop within %ds", pid, stopTimeout)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	// A killed daemon cannot remove its own PID file.
	_ = os.Remove(cfg.PIDFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
