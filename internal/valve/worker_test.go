package valve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssbubble/rig-controller/internal/config"
	"github.com/ssbubble/rig-controller/internal/modbus/modbustest"
	"github.com/ssbubble/rig-controller/internal/model"
)

func startTestWorker(t *testing.T, fake *modbustest.Fake) *Worker {
	t.Helper()
	d := newTestDevice(t, fake, nil)
	poll := config.PollConfig{PressureMS: 20, ActiveMS: 50, IdleMS: 100, IdleAfterS: 5}
	w := NewWorker(d, poll)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	return w
}

func TestWorkerAppliesQueuedPattern(t *testing.T) {
	fake := modbustest.New()
	w := startTestWorker(t, fake)

	vec := model.AllUnchanged()
	vec[3] = model.ValveOpen
	w.SetValves(vec)

	require.Eventually(t, func() bool {
		return w.Device().States()[3]
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerMacroRevertsAfterTimer(t *testing.T) {
	fake := modbustest.New()
	w := startTestWorker(t, fake)

	// valve 5 is open before the macro runs
	pre := model.AllUnchanged()
	pre[4] = model.ValveOpen
	w.SetValves(pre)
	require.Eventually(t, func() bool {
		return w.Device().States()[4]
	}, time.Second, 5*time.Millisecond)

	macro := model.ValveMacro{Label: "vent", Revert: 20 * time.Millisecond}
	macro.States = model.AllUnchanged()
	macro.States[4] = model.ValveClosed
	macro.States[5] = model.ValveOpen
	w.ApplyMacro(macro)

	require.Eventually(t, func() bool {
		s := w.Device().States()
		return !s[4] && s[5]
	}, time.Second, 5*time.Millisecond, "macro pattern applied")

	require.Eventually(t, func() bool {
		s := w.Device().States()
		return s[4] && !s[5]
	}, time.Second, 5*time.Millisecond, "prior states restored after revert")
}

func TestWorkerPollsPressure(t *testing.T) {
	fake := modbustest.New()
	fake.Input[0] = 286
	startTestWorker(t, fake)

	require.Eventually(t, func() bool {
		return fake.InputReads() >= 3
	}, time.Second, 5*time.Millisecond)
}
