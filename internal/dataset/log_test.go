package dataset

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRoundTrip(t *testing.T) {
	l := SyntheticLog(20, 4, 8, rand.New(rand.NewSource(1)))
	path := filepath.Join(t.TempDir(), "session.gob")
	require.NoError(t, WriteLog(path, l))

	got, err := ReadLog(path)
	require.NoError(t, err)
	assert.Equal(t, l.Frames, got.Frames)
	require.Len(t, got.Fields, len(l.Fields))
	for name, f := range l.Fields {
		assert.Equal(t, f.Shape, got.Fields[name].Shape, name)
		assert.Equal(t, f.Data, got.Fields[name].Data, name)
	}
}

func TestLogValidate(t *testing.T) {
	l := &Log{
		Frames: 3,
		Fields: map[string]Field{
			"speed": {Data: []float64{1, 2}}, // one record short
		},
	}
	assert.Error(t, l.Validate())

	l.Fields["speed"] = Field{Data: []float64{1, 2, 3}}
	assert.NoError(t, l.Validate())
}

func TestReadLogMissingFile(t *testing.T) {
	_, err := ReadLog(filepath.Join(t.TempDir(), "nope.gob"))
	assert.Error(t, err)
}

func TestSyntheticLogCommandsInRange(t *testing.T) {
	l := SyntheticLog(50, 3, 8, rand.New(rand.NewSource(2)))
	for _, c := range l.Fields["command"].Data {
		assert.GreaterOrEqual(t, c, 0.0)
		assert.Less(t, c, 3.0)
	}
}
