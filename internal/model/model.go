package model

import (
	"fmt"
	"time"
)

// ValveState is the tri-state value used when commanding a valve. Unchanged
// is a command-only value: it means "leave this coil alone" and is never
// produced by a hardware read.
type ValveState uint8

const (
	ValveClosed ValveState = iota
	ValveOpen
	ValveUnchanged
)

func (s ValveState) String() string {
	switch s {
	case ValveClosed:
		return "closed"
	case ValveOpen:
		return "open"
	case ValveUnchanged:
		return "unchanged"
	}
	return fmt.Sprintf("ValveState(%d)", uint8(s))
}

// NumValves is fixed by the relay board.
const NumValves = 8

// NumPressureSensors is fixed by the transducer board.
const NumPressureSensors = 4

// ValveVector is one commanded state per valve.
type ValveVector [NumValves]ValveState

// AllUnchanged returns a vector that commands nothing.
func AllUnchanged() ValveVector {
	var v ValveVector
	for i := range v {
		v[i] = ValveUnchanged
	}
	return v
}

// AllClosed returns a vector that closes every valve.
func AllClosed() ValveVector {
	return ValveVector{}
}

// Validate rejects vectors holding values outside the tri-state set.
func (v ValveVector) Validate() error {
	for i, s := range v {
		if s > ValveUnchanged {
			return fmt.Errorf("valve %d: invalid state %d", i+1, s)
		}
	}
	return nil
}

// DeviceMode selects how the valve board is driven at connect time.
type DeviceMode int

const (
	ModeManual DeviceMode = iota
	ModeSequence
	ModeTTL
)

func (m DeviceMode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeSequence:
		return "sequence"
	case ModeTTL:
		return "ttl"
	}
	return fmt.Sprintf("DeviceMode(%d)", int(m))
}

// CalibrationState tracks the motor's position-reference validity.
// Movement commands that carry a position are rejected while Uncalibrated.
type CalibrationState int

const (
	Uncalibrated CalibrationState = iota
	Calibrating
	Calibrated
)

func (c CalibrationState) String() string {
	switch c {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case Calibrated:
		return "calibrated"
	}
	return fmt.Sprintf("CalibrationState(%d)", int(c))
}

// CommandCode is the closed set of motor firmware commands. Each maps to the
// single ASCII character the firmware samples from the command register.
type CommandCode int

const (
	CmdMove CommandCode = iota
	CmdStop
	CmdCalibrate
	CmdToTop
	CmdToBottom
	CmdReset
	CmdJogUp50
	CmdJogUp10
	CmdJogUp1
	CmdJogDown1
	CmdJogDown10
	CmdJogDown50
)

// WireChar returns the ASCII command character written to the command
// register for this code.
func (c CommandCode) WireChar() (byte, error) {
	switch c {
	case CmdMove:
		return 'x', nil
	case CmdStop:
		return 's', nil
	case CmdCalibrate:
		return 'c', nil
	case CmdToTop:
		return 't', nil
	case CmdToBottom:
		return 'b', nil
	case CmdReset:
		return 'e', nil
	case CmdJogUp50:
		return 'q', nil
	case CmdJogUp10:
		return 'w', nil
	case CmdJogUp1:
		return 'd', nil
	case CmdJogDown1:
		return 'r', nil
	case CmdJogDown10:
		return 'f', nil
	case CmdJogDown50:
		return 'v', nil
	}
	return 0, fmt.Errorf("unknown command code %d", int(c))
}

// JogDelta returns the jog distance in mm for jog codes, or 0 for non-jog
// commands.
func (c CommandCode) JogDelta() float64 {
	switch c {
	case CmdJogUp50:
		return 50
	case CmdJogUp10:
		return 10
	case CmdJogUp1:
		return 1
	case CmdJogDown1:
		return -1
	case CmdJogDown10:
		return -10
	case CmdJogDown50:
		return -50
	}
	return 0
}

// JogCodeForChar maps an operator jog character to its command code.
func JogCodeForChar(ch byte) (CommandCode, error) {
	switch ch {
	case 'q':
		return CmdJogUp50, nil
	case 'w':
		return CmdJogUp10, nil
	case 'd':
		return CmdJogUp1, nil
	case 'r':
		return CmdJogDown1, nil
	case 'f':
		return CmdJogDown10, nil
	case 'v':
		return CmdJogDown50, nil
	}
	return 0, fmt.Errorf("unknown jog character %q", ch)
}

// SpeedPreset is the operator-facing speed selection carried in sequence
// descriptions.
type SpeedPreset string

const (
	SpeedFast   SpeedPreset = "fast"
	SpeedMedium SpeedPreset = "medium"
	SpeedSlow   SpeedPreset = "slow"
)

// Value returns the numeric speed written to the speed register.
func (p SpeedPreset) Value() (uint16, error) {
	switch p {
	case SpeedFast:
		return 6500, nil
	case SpeedMedium:
		return 4000, nil
	case SpeedSlow:
		return 2000, nil
	}
	return 0, fmt.Errorf("unknown speed preset %q", string(p))
}

// Step is one timed entry of a sequence. MotorPosition is nil when the step
// does not move the probe.
type Step struct {
	Type          byte
	Duration      time.Duration
	MotorPosition *float64
}

// Validate checks a single step against the closed step-type set.
func (s Step) Validate(validTypes map[byte]string) error {
	if _, ok := validTypes[s.Type]; !ok {
		return fmt.Errorf("invalid step type %q", string(s.Type))
	}
	if s.Duration <= 0 {
		return fmt.Errorf("step duration must be positive, got %s", s.Duration)
	}
	if s.MotorPosition != nil && *s.MotorPosition < 0 {
		return fmt.Errorf("motor position must be non-negative, got %v", *s.MotorPosition)
	}
	return nil
}

// ValveMacro is an operator-invoked preset valve pattern with an optional
// auto-revert timer.
type ValveMacro struct {
	Label  string
	States ValveVector
	Revert time.Duration // zero means no auto-revert
}
