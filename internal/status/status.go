package status

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Reporter maintains the file contract with the acquisition host. All files
// live in the shared sequence directory and are written atomically via
// rename, so the host never reads a half-written file.
//
//	device_status.txt        two characters "XY": valve board ready, motor ready
//	prospa.txt               "1" sequence accepted / "0" rejected
//	sequence_finish_time.txt projected finish as [Y, M, D, h, m, s, micro]
type Reporter struct {
	dir string

	mu         sync.Mutex
	valveReady bool
	motorReady bool
	valveConn  bool
	motorConn  bool
	autoMode bool
	motorCal   bool
}

func NewReporter(dir string) *Reporter {
	return &Reporter{dir: dir}
}

// Publish writes the current status unconditionally. Called once at startup
// so the host is not left reading a stale file from a previous run.
func (r *Reporter) Publish() {
	r.writeDeviceStatus()
}

// SetValveLink folds connection and control-mode state into the valve-ready
// digit. The host only cares whether a sequence it drops will actually drive
// valves, which needs both the link and the board running in sequence mode.
func (r *Reporter) SetValveLink(connected, autoMode bool) {
	r.mu.Lock()
	r.valveConn = connected
	r.autoMode = autoMode
	changed := r.recomputeLocked()
	r.mu.Unlock()
	if changed {
		r.writeDeviceStatus()
	}
}

// SetMotorLink folds connection and calibration state into the motor-ready
// digit.
func (r *Reporter) SetMotorLink(connected, calibrated bool) {
	r.mu.Lock()
	r.motorConn = connected
	r.motorCal = calibrated
	changed := r.recomputeLocked()
	r.mu.Unlock()
	if changed {
		r.writeDeviceStatus()
	}
}

func (r *Reporter) recomputeLocked() bool {
	valve := r.valveConn && r.autoMode
	motor := r.motorConn && r.motorCal
	if valve == r.valveReady && motor == r.motorReady {
		return false
	}
	r.valveReady = valve
	r.motorReady = motor
	return true
}

func (r *Reporter) writeDeviceStatus() {
	r.mu.Lock()
	content := digit(r.valveReady) + digit(r.motorReady)
	r.mu.Unlock()
	if err := r.writeAtomic("device_status.txt", content); err != nil {
		log.Warn().Err(err).Msg("Failed to write device status file")
		return
	}
	log.Debug().Str("status", content).Msg("Device status file updated")
}

// Ack reports sequence acceptance to the host.
func (r *Reporter) Ack(accepted bool) {
	if err := r.writeAtomic("prospa.txt", digit(accepted)); err != nil {
		log.Warn().Err(err).Msg("Failed to write sequence ack file")
	}
}

// WriteFinishTime projects when the running sequence will end.
func (r *Reporter) WriteFinishTime(t time.Time) {
	content := fmt.Sprintf("[%d, %d, %d, %d, %d, %d, %d]",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond()/1000)
	if err := r.writeAtomic("sequence_finish_time.txt", content); err != nil {
		log.Warn().Err(err).Msg("Failed to write finish time file")
	}
}

func (r *Reporter) writeAtomic(name, content string) error {
	final := filepath.Join(r.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func digit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
