// Package runlog is the correlation-scoped logging substrate.
//
// Every engine run owns a directory tree logs/<correlation_id>/<pid>/ holding
// run_metadata.json, one structured log file per component, and an events/
// subdirectory with one append-only JSONL stream per domain-event kind. The
// tree is the run's audit trail: given the directory, a reader can replay
// every decision, order, handshake, and reconciliation the run produced.
package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"basis-engine/pkg/types"
)

// RunMetadata is the contents of run_metadata.json. Written at construction,
// finalized (exit status, summary) at shutdown.
type RunMetadata struct {
	CorrelationID  string          `json:"correlation_id"`
	PID            int             `json:"pid"`
	Mode           string          `json:"mode"`
	ExecutionMode  string          `json:"execution_mode"`
	Environment    string          `json:"environment"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	StartedAt      time.Time       `json:"started_at"`
	Hostname       string          `json:"hostname,omitempty"`

	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	ExitStatus string         `json:"exit_status,omitempty"` // completed | cancelled | failed
	Summary    map[string]any `json:"summary,omitempty"`
}

// DirManager owns the run directory tree. All metadata writes are atomic
// (write to .tmp, then rename) so a crash never leaves a torn file.
type DirManager struct {
	runDir    string
	eventsDir string

	mu   sync.Mutex // serializes metadata writes
	meta RunMetadata
}

// NewDirManager creates logs/<correlation_id>/<pid>/events/ under root and
// writes the initial run_metadata.json.
func NewDirManager(root string, meta RunMetadata) (*DirManager, error) {
	runDir := filepath.Join(root, meta.CorrelationID, fmt.Sprintf("%d", meta.PID))
	eventsDir := filepath.Join(runDir, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return nil, types.Coded(types.CodeLogDirectoryCreate,
			fmt.Errorf("create run dir %s: %w", eventsDir, err))
	}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}

	dm := &DirManager{runDir: runDir, eventsDir: eventsDir, meta: meta}
	if err := dm.writeMetadataLocked(); err != nil {
		return nil, err
	}
	return dm, nil
}

// RunDir returns logs/<correlation_id>/<pid>.
func (dm *DirManager) RunDir() string { return dm.runDir }

// EventsDir returns the JSONL stream directory.
func (dm *DirManager) EventsDir() string { return dm.eventsDir }

// ComponentLogPath returns the structured log file path for a component.
func (dm *DirManager) ComponentLogPath(component string) string {
	return filepath.Join(dm.runDir, component+".log")
}

// Finalize records the run outcome into run_metadata.json.
func (dm *DirManager) Finalize(status string, finishedAt time.Time, summary map[string]any) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.meta.ExitStatus = status
	dm.meta.FinishedAt = &finishedAt
	dm.meta.Summary = summary
	return dm.writeMetadataLocked()
}

// writeMetadataLocked persists metadata via tmp+rename. Callers hold dm.mu
// or have exclusive access during construction.
func (dm *DirManager) writeMetadataLocked() error {
	data, err := json.MarshalIndent(dm.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	path := filepath.Join(dm.runDir, "run_metadata.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return types.Coded(types.CodeLogWriteFailed,
			fmt.Errorf("write run metadata: %w", err))
	}
	return os.Rename(tmp, path)
}
