package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogRecords(t *testing.T) {
	dir := t.TempDir()
	rl, err := NewRunLog(dir, "offroad", "smoke", map[string]int{"epochs": 2})
	require.NoError(t, err)
	require.NotEmpty(t, rl.RunID)

	require.NoError(t, rl.Scalars(1, map[string]float64{"train/loss": 0.5}))
	require.NoError(t, rl.Scalars(2, map[string]float64{"train/loss": 0.4, "val/loss": 0.6}))
	path := rl.Path()
	require.NoError(t, rl.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 3)

	assert.Equal(t, "run", lines[0]["type"])
	assert.Equal(t, "offroad", lines[0]["project"])
	assert.Equal(t, rl.RunID, lines[0]["run_id"])

	assert.Equal(t, "scalars", lines[1]["type"])
	assert.Equal(t, float64(1), lines[1]["step"])
	values := lines[2]["values"].(map[string]interface{})
	assert.Equal(t, 0.6, values["val/loss"])
}

func TestRunLogNilIsNoOp(t *testing.T) {
	var rl *RunLog
	assert.NoError(t, rl.Scalars(1, map[string]float64{"x": 1}))
	assert.NoError(t, rl.Close())
	assert.Empty(t, rl.Path())
}
