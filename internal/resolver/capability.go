package resolver

import (
	"math/bits"
	"runtime"
	"sync"
)

// Capabilities reports what the running environment supports beyond the
// plain backend.
type Capabilities struct {
	// WideWords is true on 64-bit platforms, where the indexed scanner
	// packs eight input bytes per word.
	WideWords bool
	// MultiCore is true when more than one CPU is available, making
	// parallel segment scanning worthwhile.
	MultiCore bool
	// StreamHandoff is true when streaming input can be handed to a
	// worker without buffering the whole document first.
	StreamHandoff bool
}

// Supports reports whether the environment can run backend b at all.
func (c Capabilities) Supports(b Backend) bool {
	switch b {
	case BackendCompiled:
		return c.WideWords
	case BackendAccelerated:
		return c.MultiCore
	default:
		return true
	}
}

var capCache struct {
	mu    sync.Mutex
	valid bool
	caps  Capabilities
}

// DetectCapabilities probes the environment on first use and caches the
// result for the process lifetime.
func DetectCapabilities() Capabilities {
	capCache.mu.Lock()
	defer capCache.mu.Unlock()
	if !capCache.valid {
		capCache.caps = probe()
		capCache.valid = true
	}
	return capCache.caps
}

// SetCapabilities replaces the cached capabilities. Tests pair it with
// ResetCapabilities to model environments other than the running one.
func SetCapabilities(c Capabilities) {
	capCache.mu.Lock()
	defer capCache.mu.Unlock()
	capCache.caps = c
	capCache.valid = true
}

// ResetCapabilities drops the cache; the next DetectCapabilities probes
// again.
func ResetCapabilities() {
	capCache.mu.Lock()
	defer capCache.mu.Unlock()
	capCache.valid = false
}

func probe() Capabilities {
	return Capabilities{
		WideWords: bits.UintSize == 64,
		MultiCore: runtime.NumCPU() > 1,
		// Workers share the address space, so a stream always transfers.
		StreamHandoff: true,
	}
}
