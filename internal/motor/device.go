package motor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/modbus"
	"github.com/ssbubble/rig-controller/internal/model"
)

// ErrNotCalibrated rejects absolute motion commands before a successful
// homing run: without the offset the motor frame is meaningless.
var ErrNotCalibrated = errors.New("motor not calibrated")

// registerSettle spaces consecutive register writes inside one command so
// the controller's firmware has time to latch each value.
var registerSettle = func() { time.Sleep(20 * time.Millisecond) }

// Device drives the stepper motor controller. Positions on the public API
// are millimeters in the rig frame, where 0 is the bottom of travel and
// PositionMaxMM is the top; the motor itself counts steps downward from the
// top, so conversion happens at this boundary.
type Device struct {
	cfg     config.MotorConfig
	channel *modbus.CommandChannel
	retry   config.RetryConfig
	events  *events.Callbacks

	mu       sync.Mutex
	calState model.CalibrationState
	offsetMM float64
	cachedMM float64
	busy     bool
}

func NewDevice(cfg config.MotorConfig, retry config.RetryConfig, ch *modbus.CommandChannel, cb *events.Callbacks) *Device {
	return &Device{
		cfg:      cfg,
		channel:  ch,
		retry:    retry,
		events:   cb,
		calState: model.Uncalibrated,
	}
}

// Connect opens the link and pulses the init coil so the controller starts
// accepting commands.
func (d *Device) Connect() error {
	if err := d.channel.Connect(); err != nil {
		return err
	}
	err := d.channel.Execute("init", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		return t.WriteCoil(d.cfg.Coils.Init, true)
	})
	if err != nil {
		d.channel.Close()
		return err
	}
	d.events.EmitConnection("motor", true)
	return nil
}

func (d *Device) Disconnect() error {
	err := d.channel.Close()
	d.mu.Lock()
	d.calState = model.Uncalibrated
	d.mu.Unlock()
	d.events.EmitCalibrationState(model.Uncalibrated)
	d.events.EmitConnection("motor", false)
	return err
}

func (d *Device) Connected() bool {
	return d.channel.Connected()
}

func (d *Device) CalibrationState() model.CalibrationState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calState
}

func (d *Device) setCalState(s model.CalibrationState) {
	d.mu.Lock()
	d.calState = s
	d.mu.Unlock()
	d.events.EmitCalibrationState(s)
}

// assemble joins a signed 32-bit value split across two registers. The high
// word carries the sign.
func assemble(high, low uint16) int32 {
	return int32(int16(high))<<16 | int32(low)
}

func disassemble(v int32) (high, low uint16) {
	return uint16(uint32(v) >> 16), uint16(uint32(v) & 0xFFFF)
}

// stepsToRigMM converts a raw step count to rig-frame millimeters before the
// calibration offset is applied. The motor counts steps away from the top of
// travel.
func (d *Device) stepsToRigMM(steps int32) float64 {
	return d.cfg.PositionMaxMM - float64(steps)/d.cfg.StepsPerMM
}

func (d *Device) mmToSteps(mm float64) int32 {
	return int32(math.Round((d.cfg.PositionMaxMM - mm) * d.cfg.StepsPerMM))
}

// command writes a command character and raises the command-ready coil in
// one channel hold. extra runs between the two, for commands that carry
// register payloads.
func (d *Device) command(name string, code model.CommandCode, policy modbus.RetryPolicy, extra func(t modbus.Transport) error) error {
	ch, err := code.WireChar()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()

	return d.channel.Execute(name, policy, func(t modbus.Transport) error {
		if err := t.WriteRegister(d.cfg.Registers.Command, uint16(ch)); err != nil {
			return err
		}
		registerSettle()
		if extra != nil {
			if err := extra(t); err != nil {
				return err
			}
			registerSettle()
		}
		return t.WriteCoil(d.cfg.Coils.CommandReady, true)
	})
}

// MoveTo commands an absolute move. The requested position is clamped to
// the travel limits when limits are enabled; the clamped target is
// returned so callers can report where the motor is actually headed.
func (d *Device) MoveTo(mm float64) (float64, error) {
	if d.CalibrationState() != model.Calibrated {
		return 0, fmt.Errorf("motor: move rejected: %w", ErrNotCalibrated)
	}
	if d.cfg.LimitsEnabled {
		if mm < 0 {
			mm = 0
		}
		if mm > d.cfg.PositionMaxMM {
			mm = d.cfg.PositionMaxMM
		}
	}
	target := mm
	steps := d.mmToSteps(mm + d.offset())
	high, low := disassemble(steps)

	err := d.command("move", model.CmdMove, modbus.MovePolicy(d.retry.MoveAttempts), func(t modbus.Transport) error {
		if err := t.WriteRegister(d.cfg.Registers.TargetHigh, high); err != nil {
			return err
		}
		registerSettle()
		return t.WriteRegister(d.cfg.Registers.TargetLow, low)
	})
	if err != nil {
		return 0, err
	}
	log.Debug().Float64("target_mm", target).Int32("steps", steps).Msg("Move commanded")
	return target, nil
}

// Stop halts motion. Uses the short retry policy: a stop that cannot land
// within a second needs escalation, not more patience.
func (d *Device) Stop() error {
	return d.command("stop", model.CmdStop, modbus.StopPolicy(d.retry.StopAttempts), nil)
}

// ToTop and ToBottom are firmware-side moves to the travel extremes.
func (d *Device) ToTop() error {
	if d.CalibrationState() != model.Calibrated {
		return fmt.Errorf("motor: to_top rejected: %w", ErrNotCalibrated)
	}
	return d.command("to_top", model.CmdToTop, modbus.MovePolicy(d.retry.MoveAttempts), nil)
}

func (d *Device) ToBottom() error {
	if d.CalibrationState() != model.Calibrated {
		return fmt.Errorf("motor: to_bottom rejected: %w", ErrNotCalibrated)
	}
	return d.command("to_bottom", model.CmdToBottom, modbus.MovePolicy(d.retry.MoveAttempts), nil)
}

// Jog issues one of the fixed-distance firmware jogs. Jogs are relative, so
// they work without calibration; freeing a stuck carriage before homing is
// their main job.
func (d *Device) Jog(code model.CommandCode) error {
	if code.JogDelta() == 0 {
		return fmt.Errorf("motor: %v is not a jog command", code)
	}
	return d.command("jog", code, modbus.MovePolicy(d.retry.MoveAttempts), nil)
}

// Reset issues the firmware reset command and drops calibration, since the
// controller forgets its zero on reset.
func (d *Device) Reset() error {
	if err := d.command("reset", model.CmdReset, modbus.StopPolicy(d.retry.StopAttempts), nil); err != nil {
		return err
	}
	d.setCalState(model.Uncalibrated)
	return nil
}

// SetSpeed writes the speed register. Values are firmware units, validated
// against the configured ceiling.
func (d *Device) SetSpeed(speed uint16) error {
	if speed > d.cfg.SpeedMax {
		return fmt.Errorf("motor: speed %d exceeds maximum %d", speed, d.cfg.SpeedMax)
	}
	return d.channel.Execute("set_speed", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		return t.WriteRegister(d.cfg.Registers.Speed, speed)
	})
}

func (d *Device) SetAcceleration(accel uint16) error {
	if accel > d.cfg.AccelMax {
		return fmt.Errorf("motor: acceleration %d exceeds maximum %d", accel, d.cfg.AccelMax)
	}
	return d.channel.Execute("set_accel", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		return t.WriteRegister(d.cfg.Registers.Acceleration, accel)
	})
}

// ApplyPreset sets speed from one of the named presets.
func (d *Device) ApplyPreset(p model.SpeedPreset) error {
	v, err := p.Value()
	if err != nil {
		return err
	}
	return d.SetSpeed(v)
}

// GetPosition returns the rig-frame position in mm. While a command is in
// flight the last polled value is returned instead of contending for the
// channel.
func (d *Device) GetPosition() (float64, error) {
	d.mu.Lock()
	if d.busy {
		mm := d.cachedMM
		d.mu.Unlock()
		return mm, nil
	}
	d.mu.Unlock()

	steps, err := d.readPair("read_position", d.cfg.Registers.PositionHigh)
	if err != nil {
		return 0, err
	}
	mm := d.stepsToRigMM(steps) - d.offset()
	d.mu.Lock()
	d.cachedMM = mm
	d.mu.Unlock()
	d.events.EmitPosition(mm)
	return mm, nil
}

// GetVelocity returns the rig-frame velocity in mm/s. Positive means the
// carriage is rising.
func (d *Device) GetVelocity() (float64, error) {
	stepsPerS, err := d.readPair("read_velocity", d.cfg.Registers.VelocityHigh)
	if err != nil {
		return 0, err
	}
	mmPerS := -float64(stepsPerS) / d.cfg.StepsPerMM
	d.events.EmitVelocity(mmPerS)
	return mmPerS, nil
}

func (d *Device) readPair(name string, highAddr uint16) (int32, error) {
	var regs []uint16
	err := d.channel.Execute(name, modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		var err error
		regs, err = t.ReadHoldingRegisters(highAddr, 2)
		return err
	})
	if err != nil {
		return 0, err
	}
	return assemble(regs[0], regs[1]), nil
}

// LastPosition returns the most recently observed rig-frame position
// without touching the wire.
func (d *Device) LastPosition() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cachedMM
}

func (d *Device) offset() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.offsetMM
}

// beginCalibration stages the firmware homing run by writing the command
// code. The ready coil is raised separately by armCalibration, after the
// firmware has had time to latch the code; the worker drives the rest of
// the state machine via pollCalibrated and finishCalibration.
func (d *Device) beginCalibration() error {
	ch, err := model.CmdCalibrate.WireChar()
	if err != nil {
		return err
	}
	d.setCalState(model.Calibrating)
	err = d.channel.Execute("calibrate", modbus.MovePolicy(d.retry.MoveAttempts), func(t modbus.Transport) error {
		return t.WriteRegister(d.cfg.Registers.Command, uint16(ch))
	})
	if err != nil {
		d.setCalState(model.Uncalibrated)
		return err
	}
	return nil
}

// armCalibration raises the command-ready coil, starting the homing run the
// command register already describes.
func (d *Device) armCalibration() error {
	err := d.channel.Execute("calibrate_ready", modbus.MovePolicy(d.retry.MoveAttempts), func(t modbus.Transport) error {
		return t.WriteCoil(d.cfg.Coils.CommandReady, true)
	})
	if err != nil {
		d.setCalState(model.Uncalibrated)
	}
	return err
}

func (d *Device) pollCalibrated() (bool, error) {
	var coils []bool
	err := d.channel.Execute("read_calibrated", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		var err error
		coils, err = t.ReadCoils(d.cfg.Coils.Calibrated, 1)
		return err
	})
	if err != nil {
		return false, err
	}
	return coils[0], nil
}

// finishCalibration captures the calibration offset: whatever raw position
// the homed motor reports maps to the top of travel. Position reads from
// here on are relative to that zero.
func (d *Device) finishCalibration() error {
	steps, err := d.readPair("read_position", d.cfg.Registers.PositionHigh)
	if err != nil {
		d.setCalState(model.Uncalibrated)
		return err
	}
	rawMM := d.stepsToRigMM(steps)
	d.mu.Lock()
	d.offsetMM = rawMM - d.cfg.PositionMaxMM
	d.cachedMM = d.cfg.PositionMaxMM
	d.mu.Unlock()
	d.setCalState(model.Calibrated)
	d.events.EmitPosition(d.cfg.PositionMaxMM)
	log.Info().Float64("offset_mm", rawMM-d.cfg.PositionMaxMM).Msg("Motor calibrated")
	return nil
}
