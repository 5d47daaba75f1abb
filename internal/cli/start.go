package cli

import (
	"errors"
	"fmt"

	"github.com/harun/autolab/internal/daemon"
	"github.com/harun/autolab/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the autolab daemon",
	Long: `Start the autolab daemon in the foreground.
The scheduler runs cycles until it is stopped with SIGINT, SIGTERM,
"autolab stop" or POST /stop, or until the consecutive failure cap is reached.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
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

	if err := d.Start(); err != nil {
		_ = d.Close()
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%w, use \"autolab stop\" first", err)
		}
		return err
	}

	runErr := d.Wait()
	if err := d.Stop(); err != nil {
		zl := log.Zerolog()
		zl.Error().Err(err).Msg("Failed to stop daemon cleanly")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
