package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/datadog"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/logging"
	"github.com/ssbubble/rig-controller/internal/modbus"
	"github.com/ssbubble/rig-controller/internal/model"
	"github.com/ssbubble/rig-controller/internal/motor"
	"github.com/ssbubble/rig-controller/internal/recorder"
	"github.com/ssbubble/rig-controller/internal/sequence"
	"github.com/ssbubble/rig-controller/internal/status"
	"github.com/ssbubble/rig-controller/internal/valve"
	"github.com/ssbubble/rig-controller/system/shutdown"
)

const serialTimeout = 500 * time.Millisecond

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)
	log.Info().Msg("Starting rig controller")
	datadog.InitMetrics(cfg.Datadog)

	reporter := status.NewReporter(cfg.Sequence.Dir)
	reporter.Publish()
	rec := recorder.New()
	callbacks := &events.Callbacks{}

	valveChannel := modbus.NewCommandChannel("valves",
		modbus.NewRTU(cfg.Valves.Serial.Port, cfg.Valves.Serial.BaudRate, cfg.Valves.Serial.SlaveID, serialTimeout))
	motorChannel := modbus.NewCommandChannel("motor",
		modbus.NewRTU(cfg.Motor.Serial.Port, cfg.Motor.Serial.BaudRate, cfg.Motor.Serial.SlaveID, serialTimeout))

	valveDevice := valve.NewDevice(cfg.Valves, cfg.Retry, valveChannel, callbacks)
	motorDevice := motor.NewDevice(cfg.Motor, cfg.Retry, motorChannel, callbacks)

	valveWorker := valve.NewWorker(valveDevice, cfg.Poll)
	motorWorker := motor.NewWorker(motorDevice, cfg.Poll)
	if err := motor.RegisterWorker(cfg.Motor.Serial.Port, motorWorker); err != nil {
		shutdown.ShutdownWithError(err, "Motor worker registration failed")
	}

	engine := sequence.NewEngine(cfg, valveWorker, motorWorker, callbacks)

	callbacks.ConnectionChanged = func(device string, connected bool) {
		switch device {
		case "valves":
			reporter.SetValveLink(connected, valveDevice.Mode() == model.ModeSequence)
		case "motor":
			reporter.SetMotorLink(connected, motorWorker.Calibrated())
		}
	}
	callbacks.ModeChanged = func(mode model.DeviceMode) {
		reporter.SetValveLink(valveDevice.Connected(), mode == model.ModeSequence)
	}
	callbacks.CalibrationStateChanged = func(state model.CalibrationState) {
		reporter.SetMotorLink(motorDevice.Connected(), state == model.Calibrated)
	}
	callbacks.ReadingsUpdated = func(bar [model.NumPressureSensors]float64) {
		rec.Record(bar)
		for i, v := range bar {
			datadog.Gauge("rig.pressure_bar", v, "sensor:"+string(rune('1'+i)))
		}
	}
	callbacks.PositionUpdated = func(mm float64) {
		datadog.Gauge("rig.position_mm", mm)
	}
	callbacks.VelocityUpdated = func(mmPerS float64) {
		datadog.Gauge("rig.velocity_mm_s", mmPerS)
	}
	callbacks.CriticalError = func(device string, err error) {
		log.Error().Err(err).Str("device", device).Msg("Critical device fault")
		engine.AbortCritical(err)
	}
	callbacks.SequenceFinished = func(aborted bool) {
		valveDevice.SetMode(cfg.Valves.OperatingMode())
		grace := time.Duration(cfg.Sequence.IdleStopMinutes) * time.Minute
		rec.StopAfter(grace)
	}

	shutdown.Register("stop motor", func() error {
		if !motorDevice.Connected() {
			return nil
		}
		return motorDevice.Stop()
	})
	shutdown.Register("valve safe state", func() error {
		if !valveDevice.Connected() {
			return nil
		}
		return valveDevice.SetValves(cfg.SafeStateVector())
	})
	shutdown.Register("stop recording", func() error {
		rec.Stop()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go valveWorker.Run(ctx)
	go motorWorker.Run(ctx)
	go engine.Run(ctx)
	go maintainLinks(ctx, valveDevice, motorDevice, cfg.Valves.OperatingMode())

	watcher := status.NewWatcher(cfg.Sequence.Dir, 100*time.Millisecond, func(data []byte) bool {
		accepted := handleSequence(cfg, engine, valveDevice, rec, reporter, data)
		reporter.Ack(accepted)
		return accepted
	})
	go watcher.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	cancel()
	shutdown.Shutdown()
}

// handleSequence is the full accept path for a dropped sequence file:
// parse, load, start recording, arm the engine, and project the finish
// time for the host.
func handleSequence(cfg *config.Config, engine *sequence.Engine, valveDevice *valve.Device, rec *recorder.Recorder, reporter *status.Reporter, data []byte) bool {
	seq, err := sequence.Parse(data, cfg.StepTypeNames())
	if err != nil {
		log.Error().Err(err).Msg("Rejecting sequence file")
		return false
	}
	if err := engine.Load(seq); err != nil {
		log.Error().Err(err).Msg("Rejecting sequence")
		return false
	}

	if seq.SavePath != "" {
		if err := rec.Start(seq.SavePath); err != nil {
			log.Error().Err(err).Msg("Failed to start pressure recording")
		}
	} else {
		rec.Stop()
	}

	valveDevice.SetMode(model.ModeSequence)
	if err := engine.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start sequence")
		valveDevice.SetMode(cfg.Valves.OperatingMode())
		return false
	}

	start := time.Now()
	if seq.StartAt != nil {
		start = *seq.StartAt
	}
	reporter.WriteFinishTime(start.Add(seq.Total()))
	return true
}

// maintainLinks brings device links up and re-establishes them after loss.
func maintainLinks(ctx context.Context, valveDevice *valve.Device, motorDevice *motor.Device, valveMode model.DeviceMode) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if !valveDevice.Connected() {
			if err := valveDevice.Connect(valveMode); err != nil {
				log.Warn().Err(err).Msg("Valve board connection failed, will retry")
			}
		}
		if !motorDevice.Connected() {
			if err := motorDevice.Connect(); err != nil {
				log.Warn().Err(err).Msg("Motor controller connection failed, will retry")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
