package memutils

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// Statistics summarizes the pages and blocks held by one page family, or by several families
// when summed together with AddStatistics
type Statistics struct {
	// PageCount is the number of OS pages currently mapped
	PageCount int
	// BlockCount is the number of blocks, free and allocated, across all pages
	BlockCount int
	// FreeBlockCount is the number of blocks that are currently in a free list
	FreeBlockCount int
	// AllocationCount is the number of blocks currently handed out to the application
	AllocationCount int
	// PageBytes is the number of bytes of mapped memory
	PageBytes int
	// AllocationBytes is the number of payload bytes currently handed out to the application
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.PageCount = 0
	s.BlockCount = 0
	s.FreeBlockCount = 0
	s.AllocationCount = 0
	s.PageBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.PageCount += other.PageCount
	s.BlockCount += other.BlockCount
	s.FreeBlockCount += other.FreeBlockCount
	s.AllocationCount += other.AllocationCount
	s.PageBytes += other.PageBytes
	s.AllocationBytes += other.AllocationBytes
}

func (s Statistics) String() string {
	return fmt.Sprintf("%d pages (%s), %d blocks (%d free, %d occupied), %s in use",
		s.PageCount, humanize.IBytes(uint64(s.PageBytes)),
		s.BlockCount, s.FreeBlockCount, s.AllocationCount,
		humanize.IBytes(uint64(s.AllocationBytes)))
}

// DetailedStatistics extends Statistics with size extremes and fragmentation figures. It must
// be cleared with Clear before use so that the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	FreeBytes         int
	FreeSizeMin       int
	FreeSizeMax       int
	AllocationSizeMin int
	AllocationSizeMax int

	// HardFragmentationBytes is the number of bytes attached to allocated blocks that were too small
	// to hold a block header when the block was split
	HardFragmentationBytes int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBytes = 0
	s.FreeSizeMin = math.MaxInt
	s.FreeSizeMax = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.HardFragmentationBytes = 0
}

func (s *DetailedStatistics) AddFreeBlock(size int) {
	s.BlockCount++
	s.FreeBlockCount++
	s.FreeBytes += size

	if size < s.FreeSizeMin {
		s.FreeSizeMin = size
	}

	if size > s.FreeSizeMax {
		s.FreeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int, slack int) {
	s.BlockCount++
	s.AllocationCount++
	s.AllocationBytes += size
	s.HardFragmentationBytes += slack

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeBytes += other.FreeBytes
	s.HardFragmentationBytes += other.HardFragmentationBytes

	if other.FreeSizeMin < s.FreeSizeMin {
		s.FreeSizeMin = other.FreeSizeMin
	}

	if other.FreeSizeMax > s.FreeSizeMax {
		s.FreeSizeMax = other.FreeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
