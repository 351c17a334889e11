// Package store provides crash-safe checkpointing of the simulated position
// view. A live engine restarted mid-strategy loads the checkpoint and resumes
// its book instead of seeding fresh capital over positions it still holds.
//
// One checkpoint file per mode: checkpoint_<mode>.json. Writes use atomic
// file replacement (write to .tmp, then rename) so a crash mid-save never
// leaves a torn file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"basis-engine/pkg/types"
)

// Checkpoint is the persisted book state for one mode.
type Checkpoint struct {
	Mode          string         `json:"mode"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Positions     types.DeltaMap `json:"positions"`
}

// Store persists checkpoints as JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Save atomically persists the checkpoint for its mode, replacing any
// previous one.
func (s *Store) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.path(cp.Mode)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load restores the checkpoint for a mode from disk.
// Returns nil, nil if none exists (fresh start).
func (s *Store) Load(mode string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(mode))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *Store) path(mode string) string {
	return filepath.Join(s.dir, "checkpoint_"+mode+".json")
}
