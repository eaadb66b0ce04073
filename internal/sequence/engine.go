package sequence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/datadog"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/model"
)

type State int

const (
	Idle State = iota
	Loaded
	Running
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ValveCommander is the slice of the valve worker the engine drives.
type ValveCommander interface {
	SetValvesPriority(vec model.ValveVector)
}

// MotorCommander is the slice of the motor worker the engine drives.
type MotorCommander interface {
	MoveTo(mm float64, targetOut *float64) <-chan error
	Stop() <-chan error
	ApplyPreset(p model.SpeedPreset) <-chan error
	Calibrated() bool
	LastPosition() float64
}

// Engine executes a loaded sequence step by step on a wall-clock tick. It
// never sleeps through a step: each Tick compares elapsed time against the
// current step's duration, so timing drift does not accumulate across
// steps.
type Engine struct {
	cfg    *config.Config
	valves ValveCommander
	motor  MotorCommander
	events *events.Callbacks

	mu            sync.Mutex
	state         State
	seq           *Sequence
	stepIdx       int
	stepStart     time.Time
	begun         bool
	motorRequired bool
	pendingMove   <-chan error
	lastTotalLeft int64
}

func NewEngine(cfg *config.Config, valves ValveCommander, motor MotorCommander, cb *events.Callbacks) *Engine {
	return &Engine{
		cfg:    cfg,
		valves: valves,
		motor:  motor,
		events: cb,
		state:  Idle,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Load validates a parsed sequence against the rig's current condition and
// stages it. A sequence that needs the motor is rejected while the motor is
// uncalibrated rather than discovered broken mid-run.
func (e *Engine) Load(seq *Sequence) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Running {
		return fmt.Errorf("sequence: cannot load while running")
	}

	required := seq.MotorRequired(e.cfg.Motor.PositionMaxMM, e.motor.LastPosition())
	if required && !e.motor.Calibrated() {
		return fmt.Errorf("sequence: motor movement required but motor is not calibrated")
	}

	e.seq = seq
	e.motorRequired = required
	e.state = Loaded
	e.begun = false
	e.stepIdx = 0
	e.pendingMove = nil
	e.lastTotalLeft = seq.Total().Milliseconds()
	log.Info().
		Int("steps", len(seq.Steps)).
		Bool("motor_required", required).
		Dur("total", seq.Total()).
		Msg("Sequence loaded")
	return nil
}

// Start arms the loaded sequence. Execution begins on the next Tick, or at
// the sequence's deferred start time if it carries one.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Loaded {
		return fmt.Errorf("sequence: cannot start from state %s", e.state)
	}
	if e.motorRequired {
		e.motor.ApplyPreset(e.seq.Preset)
	}
	e.state = Running
	if e.seq.StartAt != nil {
		log.Info().Time("start_at", *e.seq.StartAt).Msg("Sequence armed with deferred start")
	} else {
		log.Info().Msg("Sequence started")
	}
	return nil
}

// Tick advances the sequence against the supplied clock. The production
// loop calls it on a timer; tests drive it directly.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running {
		return
	}

	if !e.begun {
		if e.seq.StartAt != nil && now.Before(*e.seq.StartAt) {
			return
		}
		e.begun = true
		e.beginStep(0, now)
	}

	// Surface a failed move without blocking the tick.
	if e.pendingMove != nil {
		select {
		case err := <-e.pendingMove:
			e.pendingMove = nil
			if err != nil {
				e.abortLocked(fmt.Errorf("sequence: step %d move failed: %w", e.stepIdx+1, err))
				return
			}
		default:
		}
	}

	for now.Sub(e.stepStart) >= e.seq.Steps[e.stepIdx].Duration {
		boundary := e.stepStart.Add(e.seq.Steps[e.stepIdx].Duration)
		if e.stepIdx+1 >= len(e.seq.Steps) {
			e.completeLocked()
			return
		}
		e.beginStep(e.stepIdx+1, boundary)
	}

	e.emitProgress(now)
}

// beginStep applies the step's valve pattern and motor move. at is the
// step's nominal start, which for mid-run steps is the previous step's
// boundary rather than the observing tick's time.
func (e *Engine) beginStep(i int, at time.Time) {
	e.stepIdx = i
	e.stepStart = at
	step := e.seq.Steps[i]

	if vec, ok := e.cfg.StepValvePattern(step.Type); ok {
		e.valves.SetValvesPriority(vec)
	} else {
		log.Warn().
			Str("step_type", string(step.Type)).
			Int("step", i+1).
			Msg("No valve mapping for step type, leaving valves unchanged")
	}

	if step.MotorPosition != nil && e.motorRequired {
		e.pendingMove = e.motor.MoveTo(*step.MotorPosition, nil)
	}

	log.Info().
		Int("step", i+1).
		Str("type", string(step.Type)).
		Dur("duration", step.Duration).
		Msg("Sequence step started")
	datadog.Count("sequence.step_started", 1, "type:"+string(step.Type))
}

func (e *Engine) emitProgress(now time.Time) {
	step := e.seq.Steps[e.stepIdx]
	stepLeft := (step.Duration - now.Sub(e.stepStart)).Milliseconds()
	if stepLeft < 0 {
		stepLeft = 0
	}
	totalLeft := stepLeft
	for _, s := range e.seq.Steps[e.stepIdx+1:] {
		totalLeft += s.Duration.Milliseconds()
	}
	// The remaining-time readout never goes back up, even when a tick
	// fires early relative to the last one.
	if totalLeft > e.lastTotalLeft {
		totalLeft = e.lastTotalLeft
	}
	e.lastTotalLeft = totalLeft
	e.events.EmitSequenceProgress(step.Type, stepLeft, len(e.seq.Steps)-e.stepIdx, totalLeft)
}

func (e *Engine) completeLocked() {
	e.state = Complete
	e.pendingMove = nil
	e.valves.SetValvesPriority(e.cfg.SafeStateVector())
	log.Info().Msg("Sequence complete")
	datadog.Count("sequence.completed", 1)
	e.events.EmitSequenceProgress(e.seq.Steps[len(e.seq.Steps)-1].Type, 0, 0, 0)
	e.events.EmitSequenceFinished(false)
}

// Abort tears the run down and leaves both devices in their last commanded
// state: what happens next is the operator's call, and in-flight commands
// finish on their own retry schedule.
func (e *Engine) Abort(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running && e.state != Loaded {
		return
	}
	e.abortLocked(reason)
}

// AbortCritical handles a critical device fault: a motor stop is attempted
// immediately, then the run is torn down like any other abort.
func (e *Engine) AbortCritical(reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Running && e.state != Loaded {
		return
	}
	e.motor.Stop()
	e.abortLocked(reason)
}

func (e *Engine) abortLocked(reason error) {
	log.Error().Err(reason).Msg("Sequence aborted")
	datadog.Count("sequence.aborted", 1)
	e.state = Aborted
	e.pendingMove = nil
	e.events.EmitError("sequence", reason)
	e.events.EmitSequenceFinished(true)
}

// Run ticks the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.Sequence.TickMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(now)
		}
	}
}
