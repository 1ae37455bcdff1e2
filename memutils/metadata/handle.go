package metadata

// BlockHandle identifies a block within one PageMetadata. Handles are indices into the page's
// block arena and may be reused once a block has been coalesced away.
type BlockHandle int32

const (
	// NoBlock is the handle used for a missing chain neighbor
	NoBlock BlockHandle = -1
)
