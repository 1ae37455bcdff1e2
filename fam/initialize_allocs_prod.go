//go:build !debug_init_allocs

package fam

const (
	// InitializeAllocs causes freed payloads to be overwritten with a recognizable pattern before
	// they return to the free list. It is only active when the debug_init_allocs build tag is present.
	InitializeAllocs bool = false
)

func fillPayload(payload []byte, pattern uint8) {}
