package fam

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	testPageSize = 8192
	testMaxBytes = testPageSize - PageHeaderSize - metadata.BlockHeaderSize
)

func readyAllocator(t *testing.T, options CreateOptions) (*vmem.HeapMapper, *Allocator) {
	mapper := vmem.NewHeapMapper(testPageSize)
	if options.Mapper == nil {
		options.Mapper = mapper
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, options)
	require.NoError(t, err)

	return mapper, allocator
}

func payload(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func TestAllocSingleStructure(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)

	ptr, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.NoError(t, allocator.Validate())

	data := payload(ptr, 64)
	for i := range data {
		require.Zero(t, data[i])
		data[i] = byte(i)
	}
	require.NoError(t, allocator.CheckCorruption())

	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, memutils.Statistics{
		PageCount:       1,
		BlockCount:      2,
		FreeBlockCount:  1,
		AllocationCount: 1,
		PageBytes:       testPageSize,
		AllocationBytes: 64,
	}, stats)

	detailed, err := allocator.DetailedFamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, testMaxBytes-64-metadata.BlockHeaderSize, detailed.FreeBytes)
	require.Equal(t, 0, detailed.HardFragmentationBytes)

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestAllocSizeExceeded(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)

	maxCount := testMaxBytes / 64
	_, err = allocator.Alloc("emp_t", maxCount+1)
	require.ErrorIs(t, err, memutils.ErrAllocationSizeExceeded)

	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 0, stats.PageCount)

	ptr, err := allocator.Alloc("emp_t", maxCount)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	detailed, err := allocator.DetailedFamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 1, detailed.BlockCount)
	require.Equal(t, testMaxBytes-maxCount*64, detailed.HardFragmentationBytes)
	require.Less(t, detailed.HardFragmentationBytes, metadata.BlockHeaderSize)

	family, err := allocator.Lookup("emp_t")
	require.NoError(t, err)
	require.Equal(t, allocator.MaxAllocationBytes(), family.pages.metadata.MaxBlockSize())

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Validate())
}

func TestFreeReclaimsPage(t *testing.T) {
	mapper, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	require.Equal(t, 1, mapper.LiveRegions())

	a, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	b, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	require.Equal(t, 2, mapper.LiveRegions())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Validate())

	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 1, stats.PageCount)
	require.Equal(t, 2, stats.FreeBlockCount)

	require.NoError(t, allocator.Free(b))
	require.NoError(t, allocator.Validate())

	stats, err = allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, memutils.Statistics{}, stats)

	family, err := allocator.Lookup("emp_t")
	require.NoError(t, err)
	require.Nil(t, family.pages)
	require.Equal(t, 0, family.PageCount())
	require.Equal(t, 0, family.freeBlocks.Len())
	require.Equal(t, 1, mapper.LiveRegions())
}

func TestFragmentedFreeSpaceAcquiresPage(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("record", 1000)
	require.NoError(t, err)

	a, err := allocator.Alloc("record", 3)
	require.NoError(t, err)
	_, err = allocator.Alloc("record", 3)
	require.NoError(t, err)
	_, err = allocator.Alloc("record", 2)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Validate())

	// The first page now has a 3000 byte hole; 4000 bytes needs a second page
	_, err = allocator.Alloc("record", 4)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	stats, err := allocator.FamilyStats("record")
	require.NoError(t, err)
	require.Equal(t, 2, stats.PageCount)

	detailed, err := allocator.DetailedFamilyStats("record")
	require.NoError(t, err)
	require.Greater(t, detailed.FreeBytes, 5000)
	require.Less(t, detailed.FreeSizeMax, 5000)

	_, err = allocator.Alloc("record", 5)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	stats, err = allocator.FamilyStats("record")
	require.NoError(t, err)
	require.Equal(t, 3, stats.PageCount)
}

func TestAllocUsesLargestFreeBlock(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	family, err := allocator.Register("record", 1000)
	require.NoError(t, err)

	a, err := allocator.Alloc("record", 3)
	require.NoError(t, err)
	_, err = allocator.Alloc("record", 5)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(a))

	biggest, ok := family.biggestFreeBlock()
	require.True(t, ok)
	require.Equal(t, 3000, biggest.size)

	// Only the 3000 byte hole remains on this page, so a new page is the largest free block
	_, err = allocator.Alloc("record", 4)
	require.NoError(t, err)

	biggest, ok = family.biggestFreeBlock()
	require.True(t, ok)
	bigPage := biggest.page
	require.Equal(t, testMaxBytes-4000-metadata.BlockHeaderSize, biggest.size)

	// A 2000 byte request would best fit the 3000 byte hole, but the largest block is used
	ptr, err := allocator.Alloc("record", 2)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	allocation, ok := allocator.allocations.Get(uintptr(ptr))
	require.True(t, ok)
	require.Same(t, bigPage, allocation.page)

	detailed, err := allocator.DetailedFamilyStats("record")
	require.NoError(t, err)
	require.Equal(t, 3000, detailed.FreeSizeMax)
}

func TestFreeCoalescesNeighbors(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)

	a, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	b, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	c, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	keep, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(c))
	require.NoError(t, allocator.Validate())

	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 3, stats.FreeBlockCount)

	// b merges with both a and c
	require.NoError(t, allocator.Free(b))
	require.NoError(t, allocator.Validate())

	detailed, err := allocator.DetailedFamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 2, detailed.FreeBlockCount)
	require.Equal(t, 3*64+2*metadata.BlockHeaderSize, detailed.FreeSizeMin)

	require.NoError(t, allocator.Free(keep))
	require.NoError(t, allocator.Validate())

	stats, err = allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 0, stats.PageCount)
}

func TestFreeRecoversHardFragmentation(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("byte", 1)
	require.NoError(t, err)

	first, err := allocator.Alloc("byte", 100)
	require.NoError(t, err)

	// Leave 10 bytes at the end of the page, too few for a header
	rest := testMaxBytes - 100 - metadata.BlockHeaderSize
	second, err := allocator.Alloc("byte", rest-10)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	detailed, err := allocator.DetailedFamilyStats("byte")
	require.NoError(t, err)
	require.Equal(t, 10, detailed.HardFragmentationBytes)
	require.Equal(t, 0, detailed.FreeBlockCount)

	require.NoError(t, allocator.Free(second))
	require.NoError(t, allocator.Validate())

	detailed, err = allocator.DetailedFamilyStats("byte")
	require.NoError(t, err)
	require.Equal(t, 0, detailed.HardFragmentationBytes)
	require.Equal(t, rest, detailed.FreeSizeMax)

	require.NoError(t, allocator.Free(first))
	require.NoError(t, allocator.Validate())
}

func TestAllocZeroesReusedMemory(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	_, err = allocator.Alloc("emp_t", 1)
	require.NoError(t, err)

	ptr, err := allocator.Alloc("emp_t", 2)
	require.NoError(t, err)
	data := payload(ptr, 128)
	for i := range data {
		data[i] = 0xAA
	}
	require.NoError(t, allocator.Free(ptr))

	again, err := allocator.Alloc("emp_t", 2)
	require.NoError(t, err)
	require.Equal(t, ptr, again)
	require.Equal(t, make([]byte, 128), payload(again, 128))
}

func TestAllocConservation(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	sizes := map[string]int{"small": 8, "medium": 120, "large": 1500}
	names := []string{"small", "medium", "large"}
	for _, name := range names {
		_, err := allocator.Register(name, sizes[name])
		require.NoError(t, err)
	}

	rng := rand.New(rand.NewSource(17))
	var live []unsafe.Pointer
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(5) < 2 {
			index := rng.Intn(len(live))
			require.NoError(t, allocator.Free(live[index]))
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			name := names[rng.Intn(len(names))]
			count := 1 + rng.Intn(testMaxBytes/sizes[name])
			ptr, err := allocator.Alloc(name, count)
			require.NoError(t, err)
			live = append(live, ptr)
		}

		require.NoError(t, allocator.Validate())
	}

	require.NoError(t, allocator.CheckCorruption())
	require.Equal(t, len(live), allocator.AllocationCount())

	for _, ptr := range live {
		require.NoError(t, allocator.Free(ptr))
		require.NoError(t, allocator.Validate())
	}

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.PageCount)
	require.NoError(t, allocator.Destroy())
}

func TestFreeInvalidPointers(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	ptr, err := allocator.Alloc("emp_t", 2)
	require.NoError(t, err)

	require.ErrorIs(t, allocator.Free(nil), memutils.ErrInvalidFree)

	foreign := make([]byte, 64)
	require.ErrorIs(t, allocator.Free(unsafe.Pointer(&foreign[0])), memutils.ErrInvalidFree)

	require.ErrorIs(t, allocator.Free(unsafe.Add(ptr, 64)), memutils.ErrInvalidFree)
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(ptr))
	require.ErrorIs(t, allocator.Free(ptr), memutils.ErrInvalidFree)
	require.NoError(t, allocator.Validate())
}

func TestCheckCorruptionDetectsOverrun(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	ptr, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	require.NoError(t, allocator.CheckCorruption())

	overrun := payload(ptr, 64+4)
	copy(overrun[64:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	require.Error(t, allocator.CheckCorruption())
}

func TestDestroyReportsLeaks(t *testing.T) {
	mapper := vmem.NewHeapMapper(testPageSize)
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	allocator, err := New(logger, CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	_, err = allocator.Register("emp_t", 64)
	require.NoError(t, err)
	_, err = allocator.Alloc("emp_t", 3)
	require.NoError(t, err)
	freed, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(freed))

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")
	require.Equal(t, 0, mapper.LiveRegions())
	require.Empty(t, allocator.Families())

	_, err = allocator.Lookup("emp_t")
	require.ErrorIs(t, err, memutils.ErrFamilyNotFound)
}

func TestDestroyWithoutLeaks(t *testing.T) {
	mapper, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	_, err = allocator.Register("dept_t", 128)
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, mapper.LiveRegions())
}

func TestCalculateStatistics(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{})

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)
	_, err = allocator.Register("dept_t", 1000)
	require.NoError(t, err)
	_, err = allocator.Register("idle_t", 8)
	require.NoError(t, err)

	_, err = allocator.Alloc("emp_t", 3)
	require.NoError(t, err)
	_, err = allocator.Alloc("dept_t", 2)
	require.NoError(t, err)
	_, err = allocator.Alloc("dept_t", 7)
	require.NoError(t, err)

	emp, err := allocator.DetailedFamilyStats("emp_t")
	require.NoError(t, err)
	dept, err := allocator.DetailedFamilyStats("dept_t")
	require.NoError(t, err)

	var total memutils.DetailedStatistics
	allocator.CalculateStatistics(&total)

	require.Equal(t, 3, total.PageCount)
	require.Equal(t, 3, total.AllocationCount)
	require.Equal(t, emp.PageBytes+dept.PageBytes, total.PageBytes)
	require.Equal(t, 192+9000, total.AllocationBytes)
	require.Equal(t, emp.FreeBytes+dept.FreeBytes, total.FreeBytes)
	require.Equal(t, 192, total.AllocationSizeMin)
	require.Equal(t, 7000, total.AllocationSizeMax)
	require.Equal(t, max(emp.FreeSizeMax, dept.FreeSizeMax), total.FreeSizeMax)
	require.Equal(t, min(emp.FreeSizeMin, dept.FreeSizeMin), total.FreeSizeMin)

	// Allocations are still live
	require.Error(t, allocator.Destroy())
}
