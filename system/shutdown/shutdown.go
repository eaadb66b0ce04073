package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	mu     sync.Mutex
	safers []func() error
	done   bool
)

// Register adds a best-effort safing step to run at shutdown. Steps run in
// registration order: motor stop before valve safe-state, so the bench is
// never depressurized under a moving motor.
func Register(name string, fn func() error) {
	mu.Lock()
	defer mu.Unlock()
	safers = append(safers, func() error {
		log.Info().Str("step", name).Msg("Running shutdown safing step")
		return fn()
	})
}

// Shutdown runs all safing steps and exits. Safing failures are logged and
// skipped; a device that cannot be reached cannot be made less safe by us.
func Shutdown() {
	safeAll()
	os.Exit(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	safeAll()
	os.Exit(1)
}

func safeAll() {
	mu.Lock()
	defer mu.Unlock()
	if done {
		return
	}
	done = true
	for _, fn := range safers {
		if err := fn(); err != nil {
			log.Error().Err(err).Msg("Shutdown safing step failed")
		}
	}
}
