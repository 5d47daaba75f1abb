package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when the PID file names a live process.
var ErrAlreadyRunning = errors.New("autolab is already running")

// LifecycleManager owns the PID file of a long-running process.
type LifecycleManager struct {
	pidFile string
	logger  zerolog.Logger
}

// NewLifecycleManager creates a lifecycle manager for pidFile.
func NewLifecycleManager(pidFile string, logger zerolog.Logger) *LifecycleManager {
	return &LifecycleManager{
		pidFile: pidFile,
		logger:  logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Start writes the PID file. A stale file left by a dead process is
// replaced.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := ReadPID(l.pidFile); err == nil && pid != os.Getpid() && ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d, %s)", ErrAlreadyRunning, pid, l.pidFile)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.logger.Info().
		Str("pid_file", l.pidFile).
		Int("pid", os.Getpid()).
		Msg("Lifecycle manager started")
	return nil
}

// Stop removes the PID file if it still names this process.
func (l *LifecycleManager) Stop() error {
	pid, err := ReadPID(l.pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.logger.Info().Msg("Lifecycle manager stopped")
	return nil
}

// PIDFile returns the managed PID file path.
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// ReadPID returns the PID stored in path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on Unix, signal 0 probes for existence.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SignalStop sends SIGTERM to the process named in pidFile.
func SignalStop(pidFile string) (int, error) {
	pid, err := ReadPID(pidFile)
	if err != nil {
		return 0, err
	}
	if !ProcessAlive(pid) {
		return pid, fmt.Errorf("process %d is not running", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return pid, nil
}
