package valve

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/datadog"
	"github.com/ssbubble/rig-controller/internal/model"
)

type command struct {
	name string
	run  func() error
}

// Worker owns the valve board goroutine: it drains queued commands (priority
// lane first), polls the transducers, and reconciles the valve mirror on a
// timer. All hardware access goes through the queue so commands never race
// the polls.
type Worker struct {
	device   *Device
	poll     config.PollConfig
	priority chan command
	normal   chan command

	wasConnected bool
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

// Run loops until ctx is cancelled. Call in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Msg("Starting valve worker")

	pressure := time.NewTicker(time.Duration(w.poll.PressureMS) * time.Millisecond)
	defer pressure.Stop()
	reconcile := time.NewTicker(w.device.ReconcileInterval())
	defer reconcile.Stop()

	for {
		// Priority lane drains first so safe-state and reset commands
		// never queue behind routine valve writes.
		select {
		case cmd := <-w.priority:
			w.execute(cmd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping valve worker")
			return
		case cmd := <-w.priority:
			w.execute(cmd)
		case cmd := <-w.normal:
			w.execute(cmd)
		case <-pressure.C:
			if !w.watchConnection() {
				continue
			}
			if _, err := w.device.GetReadings(); err != nil {
				log.Warn().Err(err).Msg("Pressure poll failed")
				w.device.events.EmitError("valves", err)
			}
		case <-reconcile.C:
			if !w.watchConnection() {
				continue
			}
			if err := w.device.Reconcile(); err != nil {
				log.Warn().Err(err).Msg("Valve reconcile failed")
			}
		}
	}
}

// watchConnection reports the current link state and surfaces silent drops,
// which happen when a command exhausts its retries mid-session.
func (w *Worker) watchConnection() bool {
	connected := w.device.Connected()
	if connected != w.wasConnected {
		w.wasConnected = connected
		if !connected {
			log.Warn().Msg("Valve board link lost")
		}
		w.device.events.EmitConnection("valves", connected)
	}
	return connected
}

func (w *Worker) execute(cmd command) {
	start := time.Now()
	if err := cmd.run(); err != nil {
		log.Error().Err(err).Str("command", cmd.name).Msg("Valve command failed")
		w.device.events.EmitError("valves", err)
	}
	datadog.Gauge("valve.command_ms", float64(time.Since(start).Milliseconds()), "command:"+cmd.name)
}

// SetValves queues a valve pattern on the normal lane.
func (w *Worker) SetValves(vec model.ValveVector) {
	w.enqueue(w.normal, command{name: "set_valves", run: func() error {
		return w.device.SetValves(vec)
	}})
}

// SetValvesPriority queues a valve pattern ahead of routine commands. Used
// for safe-state application and sequence step patterns.
func (w *Worker) SetValvesPriority(vec model.ValveVector) {
	w.enqueue(w.priority, command{name: "set_valves", run: func() error {
		return w.device.SetValves(vec)
	}})
}

// Reset queues a board reset on the priority lane.
func (w *Worker) Reset() {
	w.enqueue(w.priority, command{name: "reset", run: w.device.Reset})
}

// Depressurize queues a vent pulse.
func (w *Worker) Depressurize() {
	w.enqueue(w.normal, command{name: "depressurize", run: w.device.Depressurize})
}

// ApplyMacro applies a preset pattern. When the macro carries a revert
// timer, the pre-macro states of the valves it touched are restored after
// the timer fires.
func (w *Worker) ApplyMacro(m model.ValveMacro) {
	w.enqueue(w.normal, command{name: "macro:" + m.Label, run: func() error {
		prior := w.device.States()
		if err := w.device.SetValves(m.States); err != nil {
			return err
		}
		if m.Revert > 0 {
			revert := model.AllUnchanged()
			for i, s := range m.States {
				if s == model.ValveUnchanged {
					continue
				}
				revert[i] = model.ValveClosed
				if prior[i] {
					revert[i] = model.ValveOpen
				}
			}
			time.AfterFunc(m.Revert, func() {
				log.Info().Str("macro", m.Label).Msg("Reverting macro valve states")
				w.SetValves(revert)
			})
		}
		return nil
	}})
}

func (w *Worker) enqueue(lane chan command, cmd command) {
	select {
	case lane <- cmd:
	default:
		log.Error().Str("command", cmd.name).Msg("Valve command queue full, dropping command")
		datadog.Count("valve.queue_dropped", 1, "command:"+cmd.name)
	}
}
