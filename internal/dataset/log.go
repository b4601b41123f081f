package dataset

import (
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
)

// Field holds one named channel of a driving log: a fixed per-frame shape
// and the concatenated row-major frame records.
type Field struct {
	Shape []int // per-frame shape; empty means scalar
	Data  []float64
}

// FrameSize returns the number of values in a single frame of the field.
func (f Field) FrameSize() int {
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// Log is a recorded driving session: a fixed number of frames, each with
// the same set of named fields.
type Log struct {
	Frames int
	Fields map[string]Field
}

// Validate checks that every field covers exactly Frames records.
func (l *Log) Validate() error {
	if l.Frames <= 0 {
		return fmt.Errorf("log: frames must be > 0, got %d", l.Frames)
	}
	if len(l.Fields) == 0 {
		return fmt.Errorf("log: no fields")
	}
	for name, f := range l.Fields {
		want := l.Frames * f.FrameSize()
		if len(f.Data) != want {
			return fmt.Errorf("log: field %q has %d values, want %d", name, len(f.Data), want)
		}
	}
	return nil
}

// WriteLog persists a log as a single gob blob.
func WriteLog(path string, l *Log) error {
	if err := l.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(l); err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	return nil
}

// ReadLog loads a log written by WriteLog.
func ReadLog(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	var l Log
	if err := gob.NewDecoder(f).Decode(&l); err != nil {
		return nil, fmt.Errorf("decode log: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// SyntheticLog builds a deterministic fixture session: a small camera image,
// a scalar navigation command in [0, commands), a scalar speed, and a 2D
// waypoint per frame. Used by tests and local smoke runs.
func SyntheticLog(frames, commands, imageSize int, rng *rand.Rand) *Log {
	const channels = 3
	image := make([]float64, frames*channels*imageSize*imageSize)
	for i := range image {
		image[i] = rng.Float64()
	}
	command := make([]float64, frames)
	speed := make([]float64, frames)
	waypoint := make([]float64, frames*2)
	for t := 0; t < frames; t++ {
		command[t] = float64(rng.Intn(commands))
		speed[t] = 2 + rng.Float64()
		waypoint[t*2] = 5 + 3*math.Sin(float64(t)/10)
		waypoint[t*2+1] = 0.5 * math.Cos(float64(t)/7)
	}
	return &Log{
		Frames: frames,
		Fields: map[string]Field{
			"image":    {Shape: []int{channels, imageSize, imageSize}, Data: image},
			"command":  {Shape: nil, Data: command},
			"speed":    {Shape: nil, Data: speed},
			"waypoint": {Shape: []int{2}, Data: waypoint},
		},
	}
}
