package bus

import "sync"

// Process-wide shared bus. Tools and CLI entry points that have no dependency
// injection path resolve the transport here; tests swap in a MemoryBus.
var (
	sharedMu  sync.Mutex
	sharedBus Bus
)

// Shared returns the process bus, creating a Redis transport from opts on
// first use. A bus installed with SetForTesting takes precedence.
func Shared(opts RedisOptions) (Bus, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedBus != nil {
		return sharedBus, nil
	}
	b, err := NewRedisBus(opts)
	if err != nil {
		return nil, err
	}
	sharedBus = b
	return sharedBus, nil
}

// SetForTesting replaces the shared bus. Pass nil to clear.
func SetForTesting(b Bus) {
	sharedMu.Lock()
	sharedBus = b
	sharedMu.Unlock()
}
