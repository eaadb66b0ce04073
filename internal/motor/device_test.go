package motor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/modbus"
	"github.com/ssbubble/rig-controller/internal/modbus/modbustest"
	"github.com/ssbubble/rig-controller/internal/model"
)

func testMotorConfig() config.MotorConfig {
	return config.MotorConfig{
		Serial:        config.SerialConfig{Port: "/dev/null", BaudRate: 115200, SlaveID: 1},
		PositionMaxMM: 364.40,
		StepsPerMM:    6400,
		SpeedMax:      6500,
		AccelMax:      23250,
		LimitsEnabled: true,
		Registers: config.MotorRegisters{
			Command: 2, TargetHigh: 3, TargetLow: 4,
			PositionHigh: 5, PositionLow: 6,
			VelocityHigh: 11, VelocityLow: 12,
			Speed: 9, Acceleration: 10,
		},
		Coils: config.MotorCoils{Init: 3, CommandReady: 1, Calibrated: 2},
	}
}

func newTestMotor(t *testing.T, fake *modbustest.Fake, cb *events.Callbacks) *Device {
	t.Helper()
	originalSleep := modbus.Sleep
	modbus.Sleep = func(time.Duration) {}
	originalSettle := registerSettle
	registerSettle = func() {}
	t.Cleanup(func() {
		modbus.Sleep = originalSleep
		registerSettle = originalSettle
	})

	if cb == nil {
		cb = &events.Callbacks{}
	}
	retry := config.RetryConfig{ReadAttempts: 3, MoveAttempts: 50, StopAttempts: 10}
	d := NewDevice(testMotorConfig(), retry, modbus.NewCommandChannel("motor", fake), cb)
	require.NoError(t, d.Connect())
	return d
}

// simulateFirmware wires the fake so the controller behaves like the real
// board: a latched move copies the target into the position registers, and
// calibration homes to rawSteps.
func simulateFirmware(fake *modbustest.Fake, cfg config.MotorConfig, homeSteps int32) {
	fake.OnCoilWrite = func(address uint16, on bool) {
		if address != cfg.Coils.CommandReady || !on {
			return
		}
		switch byte(fake.Holding[cfg.Registers.Command]) {
		case 'x':
			fake.SetHoldingPair(cfg.Registers.PositionHigh, fake.HoldingPair(cfg.Registers.TargetHigh))
		case 'c':
			fake.SetHoldingPair(cfg.Registers.PositionHigh, homeSteps)
			fake.Coils[cfg.Coils.Calibrated] = true
		}
	}
}

// calibrateForTest runs the device-side calibration steps directly, without
// the worker's polling loop.
func calibrateForTest(t *testing.T, d *Device) {
	t.Helper()
	require.NoError(t, d.beginCalibration())
	require.NoError(t, d.armCalibration())
	done, err := d.pollCalibrated()
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, d.finishCalibration())
}

func TestAssembleSignedPairs(t *testing.T) {
	high, low := disassemble(-1)
	assert.Equal(t, int32(-1), assemble(high, low))

	high, low = disassemble(2332160)
	assert.Equal(t, int32(2332160), assemble(high, low))

	assert.Equal(t, int32(-65536), assemble(0xFFFF, 0))
	assert.Equal(t, int32(65535), assemble(0, 0xFFFF))
}

func TestConnectPulsesInitCoil(t *testing.T) {
	fake := modbustest.New()
	newTestMotor(t, fake, nil)

	assert.True(t, fake.Coils[3])
}

func TestCalibrationReportsTopOfTravel(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	// the homed motor reports a small residual step count
	simulateFirmware(fake, cfg, 320)
	d := newTestMotor(t, fake, nil)

	calibrateForTest(t, d)

	assert.Equal(t, model.Calibrated, d.CalibrationState())
	mm, err := d.GetPosition()
	require.NoError(t, err)
	assert.InDelta(t, cfg.PositionMaxMM, mm, 0.01)
}

func TestCalibrationIsIdempotent(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 320)
	d := newTestMotor(t, fake, nil)

	calibrateForTest(t, d)
	first := d.offset()
	mm, err := d.GetPosition()
	require.NoError(t, err)
	assert.InDelta(t, cfg.PositionMaxMM, mm, 0.01)

	// homing again from the same physical position
	calibrateForTest(t, d)
	assert.InDelta(t, first, d.offset(), 0.0001)
	mm, err = d.GetPosition()
	require.NoError(t, err)
	assert.InDelta(t, cfg.PositionMaxMM, mm, 0.01)
}

func TestMoveRetriesAreBounded(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 0)
	d := newTestMotor(t, fake, nil)
	calibrateForTest(t, d)

	fake.FailNextWrites = 1000
	_, err := d.MoveTo(100)

	require.Error(t, err)
	assert.Equal(t, 1000-50, fake.FailNextWrites, "move must attempt exactly 50 times")
	assert.False(t, d.Connected())
}

func TestMoveRoundTrip(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 320)
	d := newTestMotor(t, fake, nil)
	calibrateForTest(t, d)

	for _, targetMM := range []float64{0, 1.25, 100, 182.2, 364.40} {
		actual, err := d.MoveTo(targetMM)
		require.NoError(t, err)
		assert.InDelta(t, targetMM, actual, 0.0001)

		mm, err := d.GetPosition()
		require.NoError(t, err)
		assert.InDelta(t, targetMM, mm, 0.01, "target %.2f", targetMM)
	}
}

func TestMoveClampsToTravelLimits(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 0)
	d := newTestMotor(t, fake, nil)
	calibrateForTest(t, d)

	actual, err := d.MoveTo(500)
	require.NoError(t, err)
	assert.Equal(t, cfg.PositionMaxMM, actual)

	actual, err = d.MoveTo(-10)
	require.NoError(t, err)
	assert.Equal(t, 0.0, actual)
}

func TestMoveRejectedWhenUncalibrated(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)

	_, err := d.MoveTo(100)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not calibrated")
}

func TestMoveWritesCommandBeforeReadyCoil(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 0)
	d := newTestMotor(t, fake, nil)
	calibrateForTest(t, d)
	fake.CoilWrites = nil

	_, err := d.MoveTo(100)
	require.NoError(t, err)

	assert.Equal(t, uint16('x'), fake.Holding[cfg.Registers.Command])
	require.NotEmpty(t, fake.CoilWrites)
	last := fake.CoilWrites[len(fake.CoilWrites)-1]
	assert.Equal(t, cfg.Coils.CommandReady, last.Address)
	assert.True(t, last.On)
}

func TestSpeedAndAccelerationValidation(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)

	require.NoError(t, d.SetSpeed(6500))
	assert.Equal(t, uint16(6500), fake.Holding[9])

	err := d.SetSpeed(6501)
	require.Error(t, err)

	require.NoError(t, d.SetAcceleration(23250))
	err = d.SetAcceleration(23251)
	require.Error(t, err)
}

func TestApplyPreset(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)

	require.NoError(t, d.ApplyPreset(model.SpeedSlow))
	assert.Equal(t, uint16(2000), fake.Holding[9])
}

func TestResetDropsCalibration(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 0)
	d := newTestMotor(t, fake, nil)
	calibrateForTest(t, d)

	require.NoError(t, d.Reset())

	assert.Equal(t, model.Uncalibrated, d.CalibrationState())
	_, err := d.MoveTo(10)
	require.Error(t, err)
}

func TestVelocitySignFollowsRigFrame(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	d := newTestMotor(t, fake, nil)

	// steps decreasing (negative step velocity) means the carriage rises
	fake.SetHoldingPair(cfg.Registers.VelocityHigh, -6400)
	v, err := d.GetVelocity()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v, 0.0001)
}

func TestJogRejectsNonJogCommand(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)

	err := d.Jog(model.CmdMove)
	require.Error(t, err)
}

func TestJogWorksWhileUncalibrated(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	d := newTestMotor(t, fake, nil)
	require.Equal(t, model.Uncalibrated, d.CalibrationState())
	fake.CoilWrites = nil

	require.NoError(t, d.Jog(model.CmdJogUp10))

	assert.Equal(t, uint16('w'), fake.Holding[cfg.Registers.Command])
	require.NotEmpty(t, fake.CoilWrites)
	last := fake.CoilWrites[len(fake.CoilWrites)-1]
	assert.Equal(t, cfg.Coils.CommandReady, last.Address)
	assert.True(t, last.On)
}

func TestCalibrationArmsReadyAfterCommandCode(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 320)
	d := newTestMotor(t, fake, nil)
	fake.CoilWrites = nil

	require.NoError(t, d.beginCalibration())
	assert.Equal(t, model.Calibrating, d.CalibrationState())
	assert.Equal(t, uint16('c'), fake.Holding[cfg.Registers.Command])
	assert.Empty(t, fake.CoilWrites, "ready coil must wait for the latch window")
	assert.False(t, fake.Coils[cfg.Coils.Calibrated], "homing must not start yet")

	require.NoError(t, d.armCalibration())
	assert.True(t, fake.Coils[cfg.Coils.Calibrated])
}
