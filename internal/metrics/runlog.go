package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RunLog appends experiment records to a JSONL file, one file per run. The
// first record carries run metadata; subsequent records are scalar metrics
// tagged with a step counter. A nil *RunLog is a valid no-op sink, so
// callers never branch on whether logging is enabled.
type RunLog struct {
	f   *os.File
	enc *json.Encoder

	// RunID uniquely identifies this run across restarts.
	RunID string
}

type runHeader struct {
	Type    string      `json:"type"`
	RunID   string      `json:"run_id"`
	Project string      `json:"project"`
	Name    string      `json:"name"`
	Started time.Time   `json:"started"`
	Config  interface{} `json:"config,omitempty"`
}

type scalarRecord struct {
	Type   string             `json:"type"`
	Step   int                `json:"step"`
	Values map[string]float64 `json:"values"`
}

// NewRunLog opens a run log under dir, recording project/name metadata and
// an echo of the run configuration.
func NewRunLog(dir, project, name string, config interface{}) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	runID := uuid.NewString()
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.jsonl", time.Now().Format("0102_1504"), runID[:8]))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}
	r := &RunLog{f: f, enc: json.NewEncoder(f), RunID: runID}
	if err := r.enc.Encode(runHeader{
		Type:    "run",
		RunID:   runID,
		Project: project,
		Name:    name,
		Started: time.Now().UTC(),
		Config:  config,
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("runlog: %w", err)
	}
	return r, nil
}

// Path returns the log file location.
func (r *RunLog) Path() string {
	if r == nil {
		return ""
	}
	return r.f.Name()
}

// Scalars appends one metrics record tagged with a monotonic step.
func (r *RunLog) Scalars(step int, values map[string]float64) error {
	if r == nil {
		return nil
	}
	return r.enc.Encode(scalarRecord{Type: "scalars", Step: step, Values: values})
}

// Close flushes and closes the log file.
func (r *RunLog) Close() error {
	if r == nil {
		return nil
	}
	return r.f.Close()
}
