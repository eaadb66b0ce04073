package status

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestDeviceStatusDigits(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)
	path := filepath.Join(dir, "device_status.txt")

	r.SetValveLink(true, true)
	assert.Equal(t, "10", readFile(t, path))

	r.SetMotorLink(true, true)
	assert.Equal(t, "11", readFile(t, path))

	// connected but not calibrated is not ready
	r.SetMotorLink(true, false)
	assert.Equal(t, "10", readFile(t, path))

	// connected but not running a sequence is not ready
	r.SetValveLink(true, false)
	assert.Equal(t, "00", readFile(t, path))
}

func TestDeviceStatusOnlyWrittenOnChange(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)
	path := filepath.Join(dir, "device_status.txt")

	r.SetValveLink(true, true)
	require.NoError(t, os.Remove(path))

	// same effective state: no rewrite
	r.SetValveLink(true, true)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAck(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)

	r.Ack(true)
	assert.Equal(t, "1", readFile(t, filepath.Join(dir, "prospa.txt")))

	r.Ack(false)
	assert.Equal(t, "0", readFile(t, filepath.Join(dir, "prospa.txt")))
}

func TestWriteFinishTime(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)

	r.WriteFinishTime(time.Date(2026, 8, 30, 14, 5, 9, 123456000, time.Local))

	assert.Equal(t, "[2026, 8, 30, 14, 5, 9, 123456]",
		readFile(t, filepath.Join(dir, "sequence_finish_time.txt")))
}

func TestWatcherDeliversAndRemovesFile(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	var got []byte
	w := NewWatcher(dir, 5*time.Millisecond, func(data []byte) bool {
		mu.Lock()
		got = data
		mu.Unlock()
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(dir, SequenceFile)
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "payload"
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
}
