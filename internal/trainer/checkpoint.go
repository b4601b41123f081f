package trainer

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorgonia.org/tensor"
)

// EpochFilename names a per-epoch checkpoint: {MMDD_HHMM}_epoch{N}.pth.
func EpochFilename(now time.Time, epoch int) string {
	return fmt.Sprintf("%s_epoch%d.pth", now.Format("0102_1504"), epoch)
}

// FinalFilename names the end-of-run checkpoint: {MMDD_HHMM}_model.pth.
func FinalFilename(now time.Time) string {
	return fmt.Sprintf("%s_model.pth", now.Format("0102_1504"))
}

// SaveCheckpoint persists a parameter snapshot under dir as one gob blob
// keyed by parameter name. Directory creation is idempotent; existing
// checkpoints are never touched.
func SaveCheckpoint(dir, filename string, state map[string]*tensor.Dense) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint dir: %w", err)
	}
	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(state); err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return path, nil
}

// LoadCheckpoint reads a snapshot written by SaveCheckpoint.
func LoadCheckpoint(path string) (map[string]*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	var state map[string]*tensor.Dense
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return state, nil
}
