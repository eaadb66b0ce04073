package motor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/events"
	"github.com/ssbubble/rig-controller/internal/modbus/modbustest"
	"github.com/ssbubble/rig-controller/internal/model"
)

func testPollConfig() config.PollConfig {
	return config.PollConfig{
		ActiveMS: 50, IdleMS: 100, IdleAfterS: 5,
		PositionMS: 100, PressureMS: 100,
		CalCheckMS: 200, CalAttempts: 100,
	}
}

func startWorker(t *testing.T, d *Device) *Worker {
	t.Helper()
	originalSleep := Sleep
	Sleep = func(time.Duration) {}
	t.Cleanup(func() { Sleep = originalSleep })

	w := NewWorker(d, testPollConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w
}

func TestWorkerCalibrate(t *testing.T) {
	fake := modbustest.New()
	cfg := testMotorConfig()
	simulateFirmware(fake, cfg, 320)
	d := newTestMotor(t, fake, nil)
	w := startWorker(t, d)

	require.NoError(t, <-w.Calibrate())

	assert.True(t, w.Calibrated())
	assert.InDelta(t, cfg.PositionMaxMM, w.LastPosition(), 0.01)
}

func TestWorkerCalibrationTimeout(t *testing.T) {
	fake := modbustest.New()
	// firmware never raises the calibrated coil
	d := newTestMotor(t, fake, nil)
	w := startWorker(t, d)

	err := <-w.Calibrate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, model.Uncalibrated, d.CalibrationState())
}

func TestWorkerEscalatesAfterConsecutiveFailures(t *testing.T) {
	fake := modbustest.New()
	var mu sync.Mutex
	var critical error
	cb := &events.Callbacks{
		CriticalError: func(device string, err error) {
			mu.Lock()
			critical = err
			mu.Unlock()
		},
	}
	d := newTestMotor(t, fake, cb)
	w := startWorker(t, d)

	// stop is uncalibration-proof, so failures come from the wire
	for i := 0; i < criticalFailureThreshold; i++ {
		fake.FailNextWrites = 1000
		require.Error(t, <-w.Stop())
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return critical != nil
	}, time.Second, 10*time.Millisecond)
	assert.True(t, w.Critical())

	err := <-w.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMotorCritical))
}

func TestWorkerSuccessResetsFailureCount(t *testing.T) {
	fake := modbustest.New()
	var called bool
	cb := &events.Callbacks{CriticalError: func(string, error) { called = true }}
	d := newTestMotor(t, fake, cb)
	w := startWorker(t, d)

	for i := 0; i < criticalFailureThreshold-1; i++ {
		fake.FailNextWrites = 1000
		require.Error(t, <-w.Stop())
	}
	// reconnect and let one command through
	fake.FailNextWrites = 0
	require.NoError(t, d.channel.Connect())
	require.NoError(t, <-w.Stop())
	fake.FailNextWrites = 1000
	require.Error(t, <-w.Stop())

	assert.False(t, w.Critical())
	assert.False(t, called)
}

func TestWorkerMoveRejectedSynchronouslyWhenUncalibrated(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)
	// no Run goroutine: a queued command would sit in its lane forever,
	// so a resolved reply proves the rejection never reached the queue
	w := NewWorker(d, testPollConfig())
	fake.RegisterWrites = nil

	err := <-w.MoveTo(100, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotCalibrated))
	assert.Empty(t, w.normal, "nothing may be enqueued")
	assert.Empty(t, w.priority)
	assert.Empty(t, fake.RegisterWrites, "no bus traffic")

	err = <-w.ToTop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotCalibrated))
	assert.Empty(t, w.normal)
}

func TestCalibrationReadFailureDropsToUncalibrated(t *testing.T) {
	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)
	w := startWorker(t, d)

	// the command and ready writes land, then every coil read fails
	fake.FailNextReads = 1000
	err := <-w.Calibrate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "calibration aborted")
	assert.Equal(t, model.Uncalibrated, d.CalibrationState())
	assert.Greater(t, fake.FailNextReads, 900, "one exhausted read ends the poll loop")
}

func TestRegistryRejectsSecondWorkerOnPort(t *testing.T) {
	ResetRegistry()
	t.Cleanup(ResetRegistry)

	fake := modbustest.New()
	d := newTestMotor(t, fake, nil)
	w1 := NewWorker(d, testPollConfig())
	w2 := NewWorker(d, testPollConfig())

	require.NoError(t, RegisterWorker("/dev/ttyUSB1", w1))
	require.NoError(t, RegisterWorker("/dev/ttyUSB1", w1), "re-registering the same worker is fine")
	err := RegisterWorker("/dev/ttyUSB1", w2)
	require.Error(t, err)
	require.NoError(t, RegisterWorker("/dev/ttyUSB2", w2))
}
