package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/logging"
	"github.com/ssbubble/rig-controller/internal/modbus"
	"github.com/ssbubble/rig-controller/internal/model"
	"github.com/ssbubble/rig-controller/internal/motor"
	"github.com/ssbubble/rig-controller/internal/valve"
)

const usage = `rig-debug exercises the bench hardware directly.

Commands:
  pressure                 read all transducers
  valves <pattern>         set valves, pattern is 8 chars of 0/1/2 (closed/open/leave)
  valve-status             print the mirrored valve states
  reset                    pulse the valve board reset
  depressurize             pulse the vent coil
  macro <name>             apply a configured valve macro (waits out its revert)
  calibrate                run the motor homing sequence
  position                 read the motor position
  velocity                 read the motor velocity
  move <mm>                absolute move
  jog <q|w|d|r|f|v>        fixed-distance jog
  top | bottom | stop      firmware moves and halt
  speed <value>            set the speed register
`

func main() {
	cfg := config.Load()
	logging.Init(zerolog.WarnLevel, "")

	args := flag.Args()
	if len(args) == 0 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cmd := args[0]
	if err := run(cfg, cmd, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, cmd string, args []string) error {
	switch cmd {
	case "pressure", "valves", "valve-status", "reset", "depressurize", "macro":
		return runValveCommand(cfg, cmd, args)
	case "calibrate", "position", "velocity", "move", "jog", "top", "bottom", "stop", "speed":
		return runMotorCommand(cfg, cmd, args)
	default:
		fmt.Print(usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runValveCommand(cfg *config.Config, cmd string, args []string) error {
	channel := modbus.NewCommandChannel("valves",
		modbus.NewRTU(cfg.Valves.Serial.Port, cfg.Valves.Serial.BaudRate, cfg.Valves.Serial.SlaveID, 500*time.Millisecond))
	device := valve.NewDevice(cfg.Valves, cfg.Retry, channel, &events.Callbacks{})
	// the bench tool drives the coils itself, so never hand them to TTL
	if err := device.Connect(model.ModeManual); err != nil {
		return err
	}
	defer device.Disconnect()

	switch cmd {
	case "pressure":
		bar, err := device.GetReadings()
		if err != nil {
			return err
		}
		for i, v := range bar {
			fmt.Printf("sensor %d: %.3f bar\n", i+1, v)
		}
	case "valves":
		if len(args) != 1 || len(args[0]) != model.NumValves {
			return fmt.Errorf("need one %d-character pattern of 0/1/2", model.NumValves)
		}
		var vec model.ValveVector
		for i, ch := range args[0] {
			if ch < '0' || ch > '2' {
				return fmt.Errorf("invalid pattern character %q", ch)
			}
			vec[i] = model.ValveState(ch - '0')
		}
		if err := device.SetValves(vec); err != nil {
			return err
		}
		printValves(device.States())
	case "valve-status":
		if err := device.Reconcile(); err != nil {
			return err
		}
		printValves(device.States())
	case "reset":
		return device.Reset()
	case "depressurize":
		return device.Depressurize()
	case "macro":
		if len(args) != 1 {
			return fmt.Errorf("need a macro name")
		}
		m, ok := cfg.Macros[args[0]]
		if !ok {
			return fmt.Errorf("no macro %q in config", args[0])
		}
		worker := valve.NewWorker(device, cfg.Poll)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go worker.Run(ctx)

		vec := m.MacroVector()
		fmt.Printf("applying macro %q\n", vec.Label)
		worker.ApplyMacro(vec)
		if vec.Revert > 0 {
			fmt.Printf("waiting %s for auto-revert\n", vec.Revert)
			time.Sleep(vec.Revert + 500*time.Millisecond)
		} else {
			time.Sleep(200 * time.Millisecond)
		}
		printValves(device.States())
	}
	return nil
}

func runMotorCommand(cfg *config.Config, cmd string, args []string) error {
	channel := modbus.NewCommandChannel("motor",
		modbus.NewRTU(cfg.Motor.Serial.Port, cfg.Motor.Serial.BaudRate, cfg.Motor.Serial.SlaveID, 500*time.Millisecond))
	device := motor.NewDevice(cfg.Motor, cfg.Retry, channel, &events.Callbacks{})
	if err := device.Connect(); err != nil {
		return err
	}
	defer device.Disconnect()

	worker := motor.NewWorker(device, cfg.Poll)
	if err := motor.RegisterWorker(cfg.Motor.Serial.Port, worker); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	switch cmd {
	case "calibrate":
		fmt.Println("calibrating, this homes the full travel...")
		if err := <-worker.Calibrate(); err != nil {
			return err
		}
		fmt.Printf("calibrated, position %.2f mm\n", device.LastPosition())
	case "position":
		mm, err := device.GetPosition()
		if err != nil {
			return err
		}
		fmt.Printf("position: %.2f mm\n", mm)
	case "velocity":
		v, err := device.GetVelocity()
		if err != nil {
			return err
		}
		fmt.Printf("velocity: %.2f mm/s\n", v)
	case "move":
		if len(args) != 1 {
			return fmt.Errorf("need a target in mm")
		}
		mm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad target %q: %w", args[0], err)
		}
		var target float64
		if err := <-worker.MoveTo(mm, &target); err != nil {
			return err
		}
		fmt.Printf("moving to %.2f mm\n", target)
	case "jog":
		if len(args) != 1 || len(args[0]) != 1 {
			return fmt.Errorf("need one jog character (q/w/d/r/f/v)")
		}
		code, err := model.JogCodeForChar(args[0][0])
		if err != nil {
			return err
		}
		if err := <-worker.Jog(code); err != nil {
			return err
		}
		fmt.Printf("jogging %+.0f mm\n", code.JogDelta())
	case "top":
		return <-worker.ToTop()
	case "bottom":
		return <-worker.ToBottom()
	case "stop":
		return <-worker.Stop()
	case "speed":
		if len(args) != 1 {
			return fmt.Errorf("need a speed value")
		}
		v, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return fmt.Errorf("bad speed %q: %w", args[0], err)
		}
		return <-worker.SetSpeed(uint16(v))
	}
	return nil
}

func printValves(states [model.NumValves]bool) {
	for i, open := range states {
		state := "closed"
		if open {
			state = "open"
		}
		fmt.Printf("valve %d: %s\n", i+1, state)
	}
}
