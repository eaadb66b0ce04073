package modbus

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssbubble/rig-controller/internal/datadog"
)

// Sleep is swapped out in tests to keep retry loops instant.
var Sleep = time.Sleep

// ErrNotConnected is returned for commands issued while the serial session
// is down. Callers reconnect explicitly; nothing retries through it.
var ErrNotConnected = errors.New("device not connected")

// RetryPolicy bounds one command's retry loop.
type RetryPolicy struct {
	MaxAttempts int
	// Fixed delay between attempts. Ignored when Backoff is true.
	Delay time.Duration
	// Backoff enables exponential spacing: 10ms doubled every third
	// attempt, capped at 500ms. Used for motion commands, where hammering
	// a busy controller only extends the outage.
	Backoff bool
}

// ReadPolicy is the default for polls: short, fixed-interval retries.
func ReadPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Delay: 100 * time.Millisecond}
}

// MovePolicy is for motion commands. The controller NAKs writes while its
// command buffer is busy, so these retry long with backoff.
func MovePolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Backoff: true}
}

// StopPolicy is for stop commands: more urgent than a move, fewer attempts.
func StopPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Delay: 100 * time.Millisecond}
}

func (p RetryPolicy) delayBefore(attempt int) time.Duration {
	if !p.Backoff {
		return p.Delay
	}
	ms := 10 * math.Pow(2, float64(attempt)/3)
	if ms > 500 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// CommandChannel serializes all traffic to one serial device and applies the
// retry discipline. Multi-register operations run inside a single Execute
// call so no other command can interleave between their frames.
type CommandChannel struct {
	device string
	t      Transport

	mu        sync.Mutex
	connected bool
}

func NewCommandChannel(device string, t Transport) *CommandChannel {
	return &CommandChannel{device: device, t: t}
}

// Connect opens the serial link. Safe to call again after a Close.
func (c *CommandChannel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.t.Connect(); err != nil {
		return fmt.Errorf("%s: connect: %w", c.device, err)
	}
	c.connected = true
	log.Info().Str("device", c.device).Msg("Serial link connected")
	return nil
}

func (c *CommandChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	log.Info().Str("device", c.device).Msg("Serial link closed")
	return c.t.Close()
}

func (c *CommandChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Execute runs op under the channel mutex, retrying per policy. Exactly one
// failure is surfaced per exhausted command regardless of attempt count;
// intermediate failures are logged at debug.
func (c *CommandChannel) Execute(name string, policy RetryPolicy, op func(t Transport) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("%s: %s: %w", c.device, name, ErrNotConnected)
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			Sleep(policy.delayBefore(attempt))
		}
		if lastErr = op(c.t); lastErr == nil {
			if attempt > 0 {
				log.Debug().
					Str("device", c.device).
					Str("command", name).
					Int("attempts", attempt+1).
					Msg("Command succeeded after retry")
			}
			return nil
		}
		log.Debug().
			Err(lastErr).
			Str("device", c.device).
			Str("command", name).
			Int("attempt", attempt+1).
			Msg("Command attempt failed")
		datadog.Count("modbus.retry", 1, "device:"+c.device, "command:"+name)
	}

	// An exhausted command means the device is not answering: mark the
	// session dead so nothing else is attempted until an explicit
	// reconnect.
	c.connected = false
	if err := c.t.Close(); err != nil {
		log.Debug().Err(err).Str("device", c.device).Msg("Close after command exhaustion failed")
	}
	log.Warn().Str("device", c.device).Str("command", name).Msg("Marking device disconnected after exhausted retries")
	datadog.Count("modbus.command_failed", 1, "device:"+c.device, "command:"+name)
	return fmt.Errorf("%s: %s failed after %d attempts: %w", c.device, name, policy.MaxAttempts, lastErr)
}
