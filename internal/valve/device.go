package valve

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/modbus"
	"github.com/ssbubble/rig-controller/internal/model"
)

// Device drives the valve board: eight solenoid valve coils, four pressure
// transducers, and the TTL/reset/depressurize control coils. Valve state is
// mirrored in memory and updated optimistically on write; the worker
// reconciles the mirror against hardware on a timer.
type Device struct {
	cfg     config.ValveConfig
	channel *modbus.CommandChannel
	retry   config.RetryConfig
	events  *events.Callbacks

	mu     sync.Mutex
	mirror [model.NumValves]bool
	mode   model.DeviceMode
}

func NewDevice(cfg config.ValveConfig, retry config.RetryConfig, ch *modbus.CommandChannel, cb *events.Callbacks) *Device {
	return &Device{
		cfg:     cfg,
		channel: ch,
		retry:   retry,
		events:  cb,
		mode:    model.ModeManual,
	}
}

// Connect opens the link and writes the TTL-enable coil for the requested
// operating mode: asserted only in TTL mode, where the external trigger
// lines own the valves, and explicitly released otherwise so a latched coil
// from an earlier session cannot leave the board listening to TTL inputs.
func (d *Device) Connect(mode model.DeviceMode) error {
	if err := d.channel.Connect(); err != nil {
		return err
	}
	if err := d.writeCoil("ttl_mode", d.cfg.TTLCoil, mode == model.ModeTTL); err != nil {
		d.channel.Close()
		return err
	}
	d.SetMode(mode)
	d.events.EmitConnection("valves", true)
	return nil
}

// Disconnect releases the TTL coil before dropping the link so the board is
// never left stranded in remote mode.
func (d *Device) Disconnect() error {
	if d.channel.Connected() {
		if err := d.writeCoil("ttl_off", d.cfg.TTLCoil, false); err != nil {
			log.Warn().Err(err).Msg("Failed to release TTL control on disconnect")
		}
	}
	err := d.channel.Close()
	d.SetMode(model.ModeManual)
	d.events.EmitConnection("valves", false)
	return err
}

func (d *Device) Connected() bool {
	return d.channel.Connected()
}

func (d *Device) Mode() model.DeviceMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

func (d *Device) SetMode(mode model.DeviceMode) {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	d.events.EmitMode(mode)
}

// SetValves applies a tri-state vector: Unchanged positions are not touched
// on the wire. The mirror is updated optimistically per coil that acks.
func (d *Device) SetValves(vec model.ValveVector) error {
	if err := vec.Validate(); err != nil {
		return err
	}
	var firstErr error
	for i, s := range vec {
		if s == model.ValveUnchanged {
			continue
		}
		open := s == model.ValveOpen
		if err := d.writeCoil(fmt.Sprintf("valve_%d", i+1), uint16(i), open); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.mu.Lock()
		d.mirror[i] = open
		d.mu.Unlock()
	}
	d.events.EmitValveStates(d.States())
	return firstErr
}

// States returns the mirrored valve positions, index 0 = valve 1.
func (d *Device) States() [model.NumValves]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirror
}

// Reconcile reads the coil bank and replaces the mirror with hardware truth.
func (d *Device) Reconcile() error {
	var states []bool
	err := d.channel.Execute("reconcile", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		var err error
		states, err = t.ReadCoils(0, model.NumValves)
		return err
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := false
	for i := 0; i < model.NumValves; i++ {
		if d.mirror[i] != states[i] {
			log.Warn().
				Int("valve", i+1).
				Bool("mirror", d.mirror[i]).
				Bool("hardware", states[i]).
				Msg("Valve mirror drifted from hardware")
			d.mirror[i] = states[i]
			changed = true
		}
	}
	d.mu.Unlock()
	if changed {
		d.events.EmitValveStates(d.States())
	}
	return nil
}

// GetReadings reads all four transducers and converts counts to bar.
func (d *Device) GetReadings() ([model.NumPressureSensors]float64, error) {
	var bar [model.NumPressureSensors]float64
	var raw []uint16
	err := d.channel.Execute("read_pressure", modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		var err error
		raw, err = t.ReadInputRegisters(0, model.NumPressureSensors)
		return err
	})
	if err != nil {
		return bar, err
	}
	p := d.cfg.Pressure
	for i, r := range raw {
		bar[i] = (float64(r) - p.Offset) / p.Scale / p.Divisor
	}
	d.events.EmitReadings(bar)
	return bar, nil
}

// Reset pulses the board reset coil, which drops every valve closed in
// firmware. The mirror follows.
func (d *Device) Reset() error {
	if err := d.writeCoil("reset", d.cfg.ResetCoil, true); err != nil {
		return err
	}
	d.mu.Lock()
	d.mirror = [model.NumValves]bool{}
	d.mu.Unlock()
	d.events.EmitValveStates(d.States())
	return nil
}

// Depressurize pulses the vent coil. Valve state is unaffected.
func (d *Device) Depressurize() error {
	return d.writeCoil("depressurize", d.cfg.DepressurizeCoil, true)
}

func (d *Device) writeCoil(name string, address uint16, on bool) error {
	return d.channel.Execute(name, modbus.ReadPolicy(d.retry.ReadAttempts), func(t modbus.Transport) error {
		return t.WriteCoil(address, on)
	})
}

// ReconcileInterval is how often the worker re-reads the coil bank.
func (d *Device) ReconcileInterval() time.Duration {
	return time.Duration(d.cfg.ReconcileIntervalMS) * time.Millisecond
}
