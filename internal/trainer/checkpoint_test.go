package trainer

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestCheckpointFilenames(t *testing.T) {
	at := time.Date(2025, 3, 7, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, "0307_1405_epoch3.pth", EpochFilename(at, 3))
	assert.Equal(t, "0307_1405_model.pth", FinalFilename(at))

	pattern := regexp.MustCompile(`^\d{4}_\d{4}_epoch\d+\.pth$`)
	assert.True(t, pattern.MatchString(EpochFilename(time.Now(), 12)))
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "checkpoints")
	state := map[string]*tensor.Dense{
		"head.weight": tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float64{1, 2, 3, 4, 5, 6})),
		"head.bias":   tensor.New(tensor.WithShape(2), tensor.WithBacking([]float64{-1, 1})),
	}

	path, err := SaveCheckpoint(dir, "0101_0000_model.pth", state)
	require.NoError(t, err)

	got, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, state["head.weight"].Data(), got["head.weight"].Data())
	assert.Equal(t, []int(state["head.bias"].Shape()), []int(got["head.bias"].Shape()))

	// Saving again into the same directory must not disturb existing files.
	_, err = SaveCheckpoint(dir, "0101_0001_model.pth", state)
	require.NoError(t, err)
	back, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, state["head.weight"].Data(), back["head.weight"].Data())
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.pth"))
	assert.Error(t, err)
}
