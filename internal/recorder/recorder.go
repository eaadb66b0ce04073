package recorder

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS pressure_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at TIMESTAMP NOT NULL,
	sensor_1 REAL NOT NULL,
	sensor_2 REAL NOT NULL,
	sensor_3 REAL NOT NULL,
	sensor_4 REAL NOT NULL
);`

// Recorder persists pressure readings to a per-experiment SQLite file.
// Recording starts when a sequence with a save path begins and stops either
// explicitly or via the idle timer after the run finishes.
type Recorder struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
	idle *time.Timer
}

func New() *Recorder {
	return &Recorder{}
}

// Start opens (or creates) the database at path and begins accepting
// readings. An active recording is closed first.
func (r *Recorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("recorder: create schema: %w", err)
	}
	r.db = db
	r.path = path
	log.Info().Str("path", path).Msg("Pressure recording started")
	return nil
}

// Record appends one reading. A no-op while not recording, so the pressure
// poll can call it unconditionally.
func (r *Recorder) Record(bar [model.NumPressureSensors]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	_, err := r.db.Exec(
		"INSERT INTO pressure_readings (recorded_at, sensor_1, sensor_2, sensor_3, sensor_4) VALUES (?, ?, ?, ?, ?)",
		time.Now(), bar[0], bar[1], bar[2], bar[3],
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist pressure reading")
	}
}

// Recording reports whether a database is open.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db != nil
}

// Stop closes the recording immediately and cancels any pending idle stop.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

// StopAfter keeps recording for the grace period, then stops. Pressure data
// from the tail of an experiment is often the interesting part, so the
// recorder outlives the sequence by this window unless a new run starts.
func (r *Recorder) StopAfter(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.db == nil {
		return
	}
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(d, r.Stop)
	log.Info().Dur("grace", d).Msg("Pressure recording will stop after idle grace period")
}

func (r *Recorder) closeLocked() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	if r.db == nil {
		return
	}
	if err := r.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close recording database")
	}
	log.Info().Str("path", r.path).Msg("Pressure recording stopped")
	r.db = nil
	r.path = ""
}
