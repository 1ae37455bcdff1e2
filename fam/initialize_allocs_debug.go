//go:build debug_init_allocs

package fam

const (
	// InitializeAllocs causes freed payloads to be overwritten with a recognizable pattern before
	// they return to the free list, so reads through dangling pointers stand out. It impacts
	// performance and should generally be left deactivated.
	InitializeAllocs bool = true
)

func fillPayload(payload []byte, pattern uint8) {
	for i := range payload {
		payload[i] = pattern
	}
}
