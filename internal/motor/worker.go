package motor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/datadog"
	"github.com/ssbubble/rig-controller/internal/model"
)

// ErrMotorCritical is returned once the worker has given up on the
// controller. Every command queued after escalation fails with it.
var ErrMotorCritical = errors.New("motor: controller unresponsive, worker stopped")

// criticalFailureThreshold is the consecutive-command-failure count that
// escalates to a critical fault.
const criticalFailureThreshold = 5

// Sleep is swapped out in tests so the calibration state machine runs
// instantly.
var Sleep = time.Sleep

type command struct {
	name  string
	run   func() error
	reply chan error
}

// Worker owns the motor goroutine. Commands queue on two lanes; the
// priority lane (stop, calibrate) drains first. Position polls run between
// commands at an adaptive cadence: fast while the motor has seen recent
// commands, slow once it has been idle.
type Worker struct {
	device   *Device
	poll     config.PollConfig
	priority chan command
	normal   chan command

	consecutiveFailures int
	lastCommand         time.Time
	lastPositionRead    time.Time
	wasConnected        bool
	critical            atomic.Bool
}

func NewWorker(device *Device, poll config.PollConfig) *Worker {
	return &Worker{
		device:   device,
		poll:     poll,
		priority: make(chan command, 16),
		normal:   make(chan command, 64),
	}
}

func (w *Worker) Device() *Device {
	return w.device
}

// Critical reports whether the worker has escalated and stopped.
func (w *Worker) Critical() bool {
	return w.critical.Load()
}

// Calibrated reports whether the motor is ready for absolute moves.
func (w *Worker) Calibrated() bool {
	return w.device.CalibrationState() == model.Calibrated
}

// LastPosition returns the most recently observed position in mm.
func (w *Worker) LastPosition() float64 {
	return w.device.LastPosition()
}

// Run loops until ctx is cancelled or the worker escalates a critical
// fault. Call in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Msg("Starting motor worker")

	posTimer := time.NewTimer(w.pollInterval())
	defer posTimer.Stop()

	for {
		select {
		case cmd := <-w.priority:
			if w.dispatch(cmd) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping motor worker")
			return
		case cmd := <-w.priority:
			if w.dispatch(cmd) {
				return
			}
		case cmd := <-w.normal:
			if w.dispatch(cmd) {
				return
			}
		case <-posTimer.C:
			w.pollPosition()
			posTimer.Reset(w.pollInterval())
		}
	}
}

// dispatch runs one command and tracks the consecutive-failure count.
// Returns true when the worker has escalated and must stop.
func (w *Worker) dispatch(cmd command) bool {
	start := time.Now()
	err := cmd.run()
	datadog.Gauge("motor.command_ms", float64(time.Since(start).Milliseconds()), "command:"+cmd.name)
	w.lastCommand = time.Now()

	if err != nil {
		w.consecutiveFailures++
		log.Error().
			Err(err).
			Str("command", cmd.name).
			Int("consecutive_failures", w.consecutiveFailures).
			Msg("Motor command failed")
		w.device.events.EmitError("motor", err)
	} else {
		w.consecutiveFailures = 0
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}

	if w.consecutiveFailures >= criticalFailureThreshold {
		w.escalate()
		return true
	}
	return false
}

// escalate stops the worker and fails everything still queued. The caller
// is expected to abort any running sequence and surface the fault.
func (w *Worker) escalate() {
	w.critical.Store(true)
	err := fmt.Errorf("%w (%d consecutive failures)", ErrMotorCritical, w.consecutiveFailures)
	log.Error().Err(err).Msg("Motor worker escalating critical fault")
	datadog.Count("motor.critical", 1)

	w.drainLane(w.priority)
	w.drainLane(w.normal)
	w.device.events.EmitCritical("motor", err)
}

func (w *Worker) drainLane(lane chan command) {
	for {
		select {
		case cmd := <-lane:
			if cmd.reply != nil {
				cmd.reply <- ErrMotorCritical
			}
		default:
			return
		}
	}
}

func (w *Worker) pollInterval() time.Duration {
	active := time.Since(w.lastCommand) < time.Duration(w.poll.IdleAfterS)*time.Second
	if active {
		return time.Duration(w.poll.ActiveMS) * time.Millisecond
	}
	return time.Duration(w.poll.IdleMS) * time.Millisecond
}

// pollPosition reads the position at most once per the configured position
// interval. The worker's scan timer runs faster than that while active so
// queued commands stay responsive; this throttle keeps the extra scans off
// the wire.
func (w *Worker) pollPosition() {
	connected := w.device.Connected()
	if connected != w.wasConnected {
		w.wasConnected = connected
		if !connected {
			log.Warn().Msg("Motor controller link lost")
		}
		w.device.events.EmitConnection("motor", connected)
	}
	if !connected || w.device.CalibrationState() != model.Calibrated {
		return
	}
	if time.Since(w.lastPositionRead) < time.Duration(w.poll.PositionMS)*time.Millisecond {
		return
	}
	w.lastPositionRead = time.Now()
	if _, err := w.device.GetPosition(); err != nil {
		log.Warn().Err(err).Msg("Position poll failed")
	}
}

// enqueue submits a command and returns a channel that yields its result.
func (w *Worker) enqueue(lane chan command, name string, run func() error) <-chan error {
	reply := make(chan error, 1)
	if w.critical.Load() {
		reply <- ErrMotorCritical
		return reply
	}
	select {
	case lane <- command{name: name, run: run, reply: reply}:
	default:
		reply <- fmt.Errorf("motor: command queue full, dropped %s", name)
		datadog.Count("motor.queue_dropped", 1, "command:"+name)
	}
	return reply
}

// rejectUncalibrated fails a position-valued command before it reaches the
// queue: nothing is enqueued and no bus traffic is generated.
func (w *Worker) rejectUncalibrated(name string) <-chan error {
	reply := make(chan error, 1)
	reply <- fmt.Errorf("motor: %s rejected: %w", name, ErrNotCalibrated)
	return reply
}

// MoveTo queues an absolute move and reports the clamped target through
// targetOut if non-nil. Absolute moves are meaningless without the
// calibration offset, so they are rejected here rather than queued.
func (w *Worker) MoveTo(mm float64, targetOut *float64) <-chan error {
	if w.device.CalibrationState() != model.Calibrated {
		return w.rejectUncalibrated("move")
	}
	return w.enqueue(w.normal, "move", func() error {
		target, err := w.device.MoveTo(mm)
		if err == nil && targetOut != nil {
			*targetOut = target
		}
		return err
	})
}

// Stop queues on the priority lane so it jumps any pending moves.
func (w *Worker) Stop() <-chan error {
	return w.enqueue(w.priority, "stop", w.device.Stop)
}

func (w *Worker) ToTop() <-chan error {
	if w.device.CalibrationState() != model.Calibrated {
		return w.rejectUncalibrated("to_top")
	}
	return w.enqueue(w.normal, "to_top", w.device.ToTop)
}

func (w *Worker) ToBottom() <-chan error {
	if w.device.CalibrationState() != model.Calibrated {
		return w.rejectUncalibrated("to_bottom")
	}
	return w.enqueue(w.normal, "to_bottom", w.device.ToBottom)
}

func (w *Worker) Jog(code model.CommandCode) <-chan error {
	return w.enqueue(w.normal, "jog", func() error {
		return w.device.Jog(code)
	})
}

func (w *Worker) Reset() <-chan error {
	return w.enqueue(w.priority, "reset", w.device.Reset)
}

func (w *Worker) SetSpeed(speed uint16) <-chan error {
	return w.enqueue(w.normal, "set_speed", func() error {
		return w.device.SetSpeed(speed)
	})
}

func (w *Worker) SetAcceleration(accel uint16) <-chan error {
	return w.enqueue(w.normal, "set_accel", func() error {
		return w.device.SetAcceleration(accel)
	})
}

func (w *Worker) ApplyPreset(p model.SpeedPreset) <-chan error {
	return w.enqueue(w.normal, "apply_preset", func() error {
		return w.device.ApplyPreset(p)
	})
}

// Calibrate queues the full calibration sequence on the priority lane:
// stage the homing command, give the firmware a moment to latch it, assert
// command-ready, then poll the calibrated coil until it latches. The motor
// settles briefly after the coil reports before the offset is captured,
// since the firmware raises the flag slightly before motion fully stops. A
// read failure while polling drops straight back to Uncalibrated; the
// retries inside the command channel are the only patience it gets.
func (w *Worker) Calibrate() <-chan error {
	return w.enqueue(w.priority, "calibrate", func() error {
		if err := w.device.beginCalibration(); err != nil {
			return err
		}
		Sleep(1 * time.Second)
		if err := w.device.armCalibration(); err != nil {
			return err
		}

		interval := time.Duration(w.poll.CalCheckMS) * time.Millisecond
		for attempt := 0; attempt < w.poll.CalAttempts; attempt++ {
			done, err := w.device.pollCalibrated()
			if err != nil {
				w.device.setCalState(model.Uncalibrated)
				return fmt.Errorf("motor: calibration aborted: %w", err)
			}
			if done {
				Sleep(500 * time.Millisecond)
				return w.device.finishCalibration()
			}
			Sleep(interval)
		}
		w.device.setCalState(model.Uncalibrated)
		return fmt.Errorf("motor: calibration timed out after %d checks", w.poll.CalAttempts)
	})
}
