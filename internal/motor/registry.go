package motor

import (
	"fmt"
	"sync"
)

// Two workers driving one motor controller interleave command frames and
// corrupt multi-register writes, so worker creation is guarded by a
// process-wide registry keyed on serial port.
var (
	registryMu sync.Mutex
	registry   = map[string]*Worker{}
)

// RegisterWorker claims the serial port for w. Returns an error if another
// worker already holds it.
func RegisterWorker(port string, w *Worker) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if existing, ok := registry[port]; ok && existing != w {
		return fmt.Errorf("motor: port %s already has a registered worker", port)
	}
	registry[port] = w
	return nil
}

// ResetRegistry clears all registrations. Test use only.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Worker{}
}
