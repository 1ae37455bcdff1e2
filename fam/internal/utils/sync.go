package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that only locks once it has been enabled. The zero value is an
// unsynchronized mutex whose Lock and Unlock do nothing.
type OptionalMutex struct {
	mutex   sync.Mutex
	enabled bool
}

// Enable turns locking on. It must be called before the mutex is shared between goroutines.
func (m *OptionalMutex) Enable() {
	m.enabled = true
}

func (m *OptionalMutex) Enabled() bool {
	return m.enabled
}

func (m *OptionalMutex) Lock() {
	if m.enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.enabled {
		m.mutex.Unlock()
	}
}

// TryLock attempts to lock the mutex and reports whether it succeeded. An unsynchronized mutex
// always succeeds.
func (m *OptionalMutex) TryLock() bool {
	if m.enabled {
		return m.mutex.TryLock()
	}

	return true
}
