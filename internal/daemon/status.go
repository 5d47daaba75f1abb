package daemon

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/autolab/internal/config"
	"github.com/harun/autolab/pkg/knowledge"
	"github.com/rs/zerolog"
)

// OfflineStatus is read from the PID file and the store when no control
// server answers.
type OfflineStatus struct {
	Running  bool                    `json:"running"`
	PID      int                     `json:"pid,omitempty"`
	Store    string                  `json:"store"`
	Entities int                     `json:"entities"`
	Totals   knowledge.Totals        `json:"totals"`
	Reports  []knowledge.CycleReport `json:"reports,omitempty"`
}

// ReadStatus builds an OfflineStatus with up to limit recent reports.
func ReadStatus(ctx context.Context, cfg *config.Config, limit int) (OfflineStatus, error) {
	status := OfflineStatus{Store: cfg.Store.Driver}

	if pid, err := ReadPID(cfg.PIDFile); err == nil {
		status.PID = pid
		status.Running = ProcessAlive(pid)
	}

	if cfg.Store.Driver == "memory" {
		return status, nil
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		if os.IsNotExist(err) {
			return status, nil
		}
		return status, err
	}

	backend, err := knowledge.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return status, fmt.Errorf("failed to open knowledge store: %w", err)
	}
	store := knowledge.NewStore(backend, zerolog.Nop())
	defer store.Close()

	if err := store.Rebuild(ctx); err != nil {
		return status, fmt.Errorf("failed to read knowledge store: %w", err)
	}
	status.Entities = store.Snapshot().Len()
	status.Totals = store.Totals()

	status.Reports, err = store.Reports(ctx, limit)
	if err != nil {
		return status, err
	}
	return status, nil
}
