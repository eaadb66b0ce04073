package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssbubble/rig-controller/internal/model"
)

var testStepTypes = map[byte]string{'b': "bubble", 'd': "delay", 'n': "nmr"}

func TestParseFullSequence(t *testing.T) {
	data := []byte(`["b", "d", "n"]
[30000, 5000, 60000]
[10.5, None, 364.40]
fast
/data/run42.db
[2026, 8, 30, 14, 30, 0, 500000]`)

	seq, err := Parse(data, testStepTypes)

	require.NoError(t, err)
	require.Len(t, seq.Steps, 3)
	assert.Equal(t, byte('b'), seq.Steps[0].Type)
	assert.Equal(t, 30*time.Second, seq.Steps[0].Duration)
	require.NotNil(t, seq.Steps[0].MotorPosition)
	assert.Equal(t, 10.5, *seq.Steps[0].MotorPosition)
	assert.Nil(t, seq.Steps[1].MotorPosition)
	assert.Equal(t, model.SpeedFast, seq.Preset)
	assert.Equal(t, "/data/run42.db", seq.SavePath)
	require.NotNil(t, seq.StartAt)
	want := time.Date(2026, 8, 30, 14, 30, 0, 500000000, time.Local)
	assert.True(t, seq.StartAt.Equal(want))
	assert.Equal(t, 95*time.Second, seq.Total())
}

func TestParseMinimalSequence(t *testing.T) {
	data := []byte(`["d"]
[1000]
[None]
slow
None
None`)

	seq, err := Parse(data, testStepTypes)

	require.NoError(t, err)
	assert.Empty(t, seq.SavePath)
	assert.Nil(t, seq.StartAt)
	assert.Equal(t, model.SpeedSlow, seq.Preset)
}

func TestParsePythonSingleQuotes(t *testing.T) {
	data := []byte(`['b', 'd']
[100, 200]
[None, None]
'medium'
None
None`)

	seq, err := Parse(data, testStepTypes)

	require.NoError(t, err)
	assert.Equal(t, model.SpeedMedium, seq.Preset)
}

func TestParseRejections(t *testing.T) {
	cases := map[string]string{
		"wrong line count": `["b"]
[1000]`,
		"length mismatch": `["b", "d"]
[1000]
[None, None]
fast
None
None`,
		"unknown step type": `["z"]
[1000]
[None]
fast
None
None`,
		"zero duration": `["b"]
[0]
[None]
fast
None
None`,
		"negative position": `["b"]
[1000]
[-5.0]
fast
None
None`,
		"bad preset": `["b"]
[1000]
[None]
warp
None
None`,
		"empty steps": `[]
[]
[]
fast
None
None`,
		"short start time": `["b"]
[1000]
[None]
fast
None
[2026, 8, 30]`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw), testStepTypes)
			require.Error(t, err)
		})
	}
}

func TestMotorRequired(t *testing.T) {
	top := 364.40
	pos := func(v float64) *float64 { return &v }

	t.Run("no positions", func(t *testing.T) {
		seq := &Sequence{Steps: []model.Step{{MotorPosition: nil}, {MotorPosition: nil}}}
		assert.False(t, seq.MotorRequired(top, 0))
	})

	t.Run("all top and parked at top", func(t *testing.T) {
		seq := &Sequence{Steps: []model.Step{{MotorPosition: pos(364.40)}, {MotorPosition: pos(364.38)}}}
		assert.False(t, seq.MotorRequired(top, 364.40))
	})

	t.Run("all top but parked elsewhere", func(t *testing.T) {
		seq := &Sequence{Steps: []model.Step{{MotorPosition: pos(364.40)}}}
		assert.True(t, seq.MotorRequired(top, 100))
	})

	t.Run("mid travel position", func(t *testing.T) {
		seq := &Sequence{Steps: []model.Step{{MotorPosition: pos(120)}}}
		assert.True(t, seq.MotorRequired(top, 120))
	})
}
