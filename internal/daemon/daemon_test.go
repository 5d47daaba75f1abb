package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/internal/logger"
	"github.com/harun/autolab/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discoverScript = `cat >/dev/null; echo '{"discovered": ["alpha", "beta"]}'`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Logging.File = ""
	cfg.ApplyPaths()
	cfg.Control.Enabled = false
	cfg.Scheduler.MaxActionsPerCycle = 2
	cfg.Scheduler.CycleInterval = time.Hour
	cfg.Kinds = map[string]config.KindConfig{
		"discovery": {CommandConfig: config.CommandConfig{
			Command: "/bin/sh",
			Args:    []string{"-c", discoverScript},
		}},
	}
	return cfg
}

// createTestDaemon creates a daemon with the control server disabled
func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	assert.NotNil(t, d.store)
	assert.NotNil(t, d.registry)
	assert.NotNil(t, d.executor)
	assert.NotNil(t, d.planner)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.control)
	assert.FileExists(t, d.config.Store.Path)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store driver")
}

func TestRunOnceRecordsDiscoveries(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.Cycle)
	assert.Positive(t, report.ActionsExecuted)
	assert.Equal(t, report.ActionsExecuted, report.SuccessCount)
	assert.Empty(t, report.Error)

	_, ok := d.GetStore().Get("alpha")
	assert.True(t, ok)
	_, ok = d.GetStore().Get("beta")
	assert.True(t, ok)

	latest, ok := d.GetStore().LatestReport()
	require.True(t, ok)
	assert.Equal(t, report.Cycle, latest.Cycle)
}

func TestRunOnceResumesCycleNumbering(t *testing.T) {
	cfg := testConfig(t)

	d := createTestDaemon(t, cfg)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d = createTestDaemon(t, cfg)
	defer d.Close()
	report, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Cycle)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.FileExists(t, cfg.PIDFile)

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, []string{"discovery"}, status.Kinds)

	assert.Eventually(t, func() bool {
		return d.Status().Scheduler.State == scheduler.StateSleeping
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)
	assert.Equal(t, scheduler.StateStopped, status.Scheduler.State)
	assert.NoFileExists(t, cfg.PIDFile)

	select {
	case <-d.Done():
	default:
		t.Fatal("scheduler loop still running after Stop")
	}
}

func TestDaemonStartTwice(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	require.NoError(t, d.Start())
	defer d.Stop()

	err := d.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestDaemonStopWhenNotRunning(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.Close()

	err := d.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestWaitReturnsWhenSchedulerStops(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())

	d.RequestStop()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Wait() }()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after RequestStop")
	}
	require.NoError(t, d.Stop())
}

func TestControlServerServesStatusAndStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Control.Enabled = true
	cfg.Control.Port = freePort(t)
	cfg.Control.SharedSecret = "s3cret"

	d := createTestDaemon(t, cfg)
	require.NoError(t, d.Start())
	defer func() { _ = d.Stop() }()

	base := fmt.Sprintf("http://%s", d.GetControlServer().Addr())

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.Running)
	assert.Equal(t, []string{"discovery"}, status.Kinds)

	req, err := http.NewRequest(http.MethodPost, base+"/stop", nil)
	require.NoError(t, err)
	req.Header.Set("X-Autolab-Secret", "s3cret")
	stopResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	stopResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, stopResp.StatusCode)

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after /stop")
	}
}

func TestAuditFileReceivesEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuditFile = filepath.Join(cfg.DataDir, "audit", "events.jsonl")

	d := createTestDaemon(t, cfg)
	_, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	data, err := os.ReadFile(cfg.AuditFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cycle_completed")
	assert.Contains(t, string(data), "action_finished")
}

func TestReadStatus(t *testing.T) {
	cfg := testConfig(t)

	status, err := ReadStatus(context.Background(), cfg, 5)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Empty(t, status.Reports)

	d := createTestDaemon(t, cfg)
	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, d.Close())

	status, err = ReadStatus(context.Background(), cfg, 5)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.Entities)
	require.Len(t, status.Reports, 1)
	assert.Equal(t, int64(1), status.Reports[0].Cycle)
	assert.Equal(t, status.Reports[0].SuccessCount, status.Totals.Success)
}
