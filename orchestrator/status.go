package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// statusSnapshot is the compact orchestrator status file written to
// <cairn_home>/state/orchestrator.json on every meaningful transition.
type statusSnapshot struct {
	ProjectRoot string      `json:"project_root"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Queue       queueCounts `json:"queue"`
}

type queueCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}

// writeSnapshot best-effort writes the current orchestrator status to disk.
// A failure here is logged, never propagated: the snapshot is a diagnostic
// convenience, not the source of truth (that's the lifecycle store).
func (o *Orchestrator) writeSnapshot() {
	if o.cfg.Paths.CairnHome == "" {
		return
	}
	dir := filepath.Join(o.cfg.Paths.CairnHome, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Warn("failed to create state dir for status snapshot", zap.Error(err))
		return
	}

	running := o.ActiveAgentCount()
	snap := statusSnapshot{
		ProjectRoot: o.cfg.Paths.ProjectRoot,
		UpdatedAt:   time.Now(),
		Queue: queueCounts{
			Pending: o.QueueDepth(),
			Running: running,
		},
	}
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		o.logger.Warn("failed to marshal status snapshot", zap.Error(err))
		return
	}
	path := filepath.Join(dir, "orchestrator.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		o.logger.Warn("failed to write status snapshot", zap.Error(err))
	}
}
