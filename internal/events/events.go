package events

import (
	"github.com/ssbubble/rig-controller/internal/model"
)

// Callbacks fan rig state changes out to whoever is listening (status file
// writer, recorder, debug CLI). All fields are optional; nil callbacks are
// skipped. Handlers run on the emitting worker's goroutine and must not
// block.
type Callbacks struct {
	PositionUpdated         func(mm float64)
	VelocityUpdated         func(mmPerS float64)
	ValveStatesChanged      func(states [model.NumValves]bool)
	ReadingsUpdated         func(bar [model.NumPressureSensors]float64)
	CalibrationStateChanged func(state model.CalibrationState)
	ConnectionChanged       func(device string, connected bool)
	ModeChanged             func(mode model.DeviceMode)
	SequenceProgress        func(stepType byte, stepLeft int64, stepsLeft int, totalLeft int64)
	SequenceFinished        func(aborted bool)
	Error                   func(device string, err error)
	CriticalError           func(device string, err error)
}

func (c *Callbacks) EmitPosition(mm float64) {
	if c != nil && c.PositionUpdated != nil {
		c.PositionUpdated(mm)
	}
}

func (c *Callbacks) EmitVelocity(mmPerS float64) {
	if c != nil && c.VelocityUpdated != nil {
		c.VelocityUpdated(mmPerS)
	}
}

func (c *Callbacks) EmitValveStates(states [model.NumValves]bool) {
	if c != nil && c.ValveStatesChanged != nil {
		c.ValveStatesChanged(states)
	}
}

func (c *Callbacks) EmitReadings(bar [model.NumPressureSensors]float64) {
	if c != nil && c.ReadingsUpdated != nil {
		c.ReadingsUpdated(bar)
	}
}

func (c *Callbacks) EmitCalibrationState(state model.CalibrationState) {
	if c != nil && c.CalibrationStateChanged != nil {
		c.CalibrationStateChanged(state)
	}
}

func (c *Callbacks) EmitConnection(device string, connected bool) {
	if c != nil && c.ConnectionChanged != nil {
		c.ConnectionChanged(device, connected)
	}
}

func (c *Callbacks) EmitMode(mode model.DeviceMode) {
	if c != nil && c.ModeChanged != nil {
		c.ModeChanged(mode)
	}
}

func (c *Callbacks) EmitSequenceProgress(stepType byte, stepLeft int64, stepsLeft int, totalLeft int64) {
	if c != nil && c.SequenceProgress != nil {
		c.SequenceProgress(stepType, stepLeft, stepsLeft, totalLeft)
	}
}

func (c *Callbacks) EmitSequenceFinished(aborted bool) {
	if c != nil && c.SequenceFinished != nil {
		c.SequenceFinished(aborted)
	}
}

func (c *Callbacks) EmitError(device string, err error) {
	if c != nil && c.Error != nil {
		c.Error(device, err)
	}
}

func (c *Callbacks) EmitCritical(device string, err error) {
	if c != nil && c.CriticalError != nil {
		c.CriticalError(device, err)
	}
}
