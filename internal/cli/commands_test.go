package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/autolab/internal/daemon"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autolab.yaml")
	content := fmt.Sprintf(`data_dir: %s
logging:
  level: error
  console: false
control:
  enabled: false
scheduler:
  max_actions_per_cycle: 2
kinds:
  discovery:
    command: /bin/sh
    args: ["-c", "cat >/dev/null; echo '{\"discovered\": [\"alpha\"]}'"]
%s`, dir, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	// Package-level flag values survive between Execute calls.
	runOnceJSON = false
	statusJSON = false

	cmd := GetRootCmd()
	cmd.SetArgs(args)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	err := cmd.Execute()
	return output.String(), err
}

func TestRunOnceCommand(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "run-once", "--config", path, "--json")
	require.NoError(t, err)

	var report knowledge.CycleReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, int64(1), report.Cycle)
	assert.Positive(t, report.SuccessCount)

	out, err = execute(t, "run-once", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle 2")
	assert.Contains(t, out, "succeeded")
}

func TestStatusCommandOffline(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: stopped")

	_, err = execute(t, "run-once", "--config", path)
	require.NoError(t, err)

	out, err = execute(t, "status", "--config", path, "--json")
	require.NoError(t, err)

	var st daemon.OfflineStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Running)
	assert.Equal(t, 1, st.Entities)
	require.Len(t, st.Reports, 1)
}

func TestStopCommandNotRunning(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "stop", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestConfigCommands(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 action kinds")

	t.Setenv("AUTOLAB_CONTROL_SHARED_SECRET", "hunter2")
	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "hunter2")
}

func TestInvalidConfigExitCode(t *testing.T) {
	path := writeConfig(t, "executor:\n  max_concurrency: 0\n")

	_, err := execute(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))

	_, err = execute(t, "run-once", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, ExitCode(err))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
