package metadata

// SplitOutcome is an enum that indicates what happened to the bytes left over when a free block
// was split to satisfy an allocation. It is returned from PageMetadata.Split
type SplitOutcome uint32

const (
	// SplitExact indicates that the free block was exactly the requested size
	SplitExact SplitOutcome = iota
	// SplitSoftFragment indicates that the leftover bytes were large enough to hold a block header
	// and became a new free block directly after the allocation
	SplitSoftFragment
	// SplitHardFragment indicates that the leftover bytes could not hold a block header and remain
	// attached to the allocation until it is freed
	SplitHardFragment
)

var splitOutcomeMapping = map[SplitOutcome]string{
	SplitExact:        "Exact",
	SplitSoftFragment: "SoftFragment",
	SplitHardFragment: "HardFragment",
}

func (o SplitOutcome) String() string {
	return splitOutcomeMapping[o]
}
