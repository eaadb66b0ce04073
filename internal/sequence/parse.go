package sequence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ssbubble/rig-controller/internal/model"
)

// Sequence is a fully validated, ready-to-run experiment description.
type Sequence struct {
	Steps    []model.Step
	Preset   model.SpeedPreset
	SavePath string     // "" disables pressure recording
	StartAt  *time.Time // nil starts immediately
}

// Total is the summed step duration.
func (s *Sequence) Total() time.Duration {
	var total time.Duration
	for _, st := range s.Steps {
		total += st.Duration
	}
	return total
}

// MotorRequired reports whether running this sequence needs the motor: it
// does not when no step names a position, or when every named position is
// the top of travel and the motor is already parked there.
func (s *Sequence) MotorRequired(topMM, currentMM float64) bool {
	any := false
	allTop := true
	for _, st := range s.Steps {
		if st.MotorPosition == nil {
			continue
		}
		any = true
		if diff := *st.MotorPosition - topMM; diff < -0.05 || diff > 0.05 {
			allTop = false
		}
	}
	if !any {
		return false
	}
	if allTop {
		if diff := currentMM - topMM; diff >= -0.05 && diff <= 0.05 {
			return false
		}
	}
	return true
}

// Parse decodes the six-line host sequence file:
//
//	1: step type codes, e.g. ["b","d","n"]
//	2: step durations in ms, e.g. [30000, 5000, 60000]
//	3: motor positions in mm, None where a step leaves the motor alone
//	4: speed preset, fast|medium|slow
//	5: pressure-save path, or None
//	6: deferred start as [year, month, day, hour, min, sec, micro], or None
//
// Any violation is rejected with an error; a malformed file must never
// start a partial run.
func Parse(data []byte, validTypes map[byte]string) (*Sequence, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\r\n"), "\n")
	if len(lines) != 6 {
		return nil, fmt.Errorf("sequence file has %d lines, want 6", len(lines))
	}
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}

	var types []string
	if err := json.Unmarshal([]byte(pythonToJSON(lines[0])), &types); err != nil {
		return nil, fmt.Errorf("line 1 (step types): %w", err)
	}
	var durations []int64
	if err := json.Unmarshal([]byte(pythonToJSON(lines[1])), &durations); err != nil {
		return nil, fmt.Errorf("line 2 (durations): %w", err)
	}
	var positions []*float64
	if err := json.Unmarshal([]byte(pythonToJSON(lines[2])), &positions); err != nil {
		return nil, fmt.Errorf("line 3 (positions): %w", err)
	}

	if len(types) == 0 {
		return nil, fmt.Errorf("sequence has no steps")
	}
	if len(durations) != len(types) || len(positions) != len(types) {
		return nil, fmt.Errorf("list lengths differ: %d types, %d durations, %d positions",
			len(types), len(durations), len(positions))
	}

	steps := make([]model.Step, len(types))
	for i, ts := range types {
		if len(ts) != 1 {
			return nil, fmt.Errorf("step %d: type %q is not a single character", i+1, ts)
		}
		if durations[i] <= 0 {
			return nil, fmt.Errorf("step %d: duration %dms is not positive", i+1, durations[i])
		}
		steps[i] = model.Step{
			Type:          ts[0],
			Duration:      time.Duration(durations[i]) * time.Millisecond,
			MotorPosition: positions[i],
		}
		if err := steps[i].Validate(validTypes); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	preset := model.SpeedPreset(strings.Trim(pythonToJSON(lines[3]), `"[]`))
	if _, err := preset.Value(); err != nil {
		return nil, fmt.Errorf("line 4 (speed): %w", err)
	}

	seq := &Sequence{Steps: steps, Preset: preset}

	if save := lines[4]; save != "None" && save != "null" && save != "" {
		seq.SavePath = strings.Trim(save, `"`)
	}

	if start := pythonToJSON(lines[5]); start != "null" && start != "" {
		var parts []int
		if err := json.Unmarshal([]byte(start), &parts); err != nil {
			return nil, fmt.Errorf("line 6 (start time): %w", err)
		}
		if len(parts) != 7 {
			return nil, fmt.Errorf("line 6 (start time): want 7 fields, got %d", len(parts))
		}
		at := time.Date(parts[0], time.Month(parts[1]), parts[2],
			parts[3], parts[4], parts[5], parts[6]*1000, time.Local)
		seq.StartAt = &at
	}

	return seq, nil
}

// pythonToJSON bridges the host's Python-literal lists to JSON: None
// becomes null, single quotes become double quotes.
func pythonToJSON(s string) string {
	s = strings.ReplaceAll(s, "None", "null")
	s = strings.ReplaceAll(s, "'", `"`)
	return s
}
