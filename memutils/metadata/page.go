package metadata

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
)

type pageBlock struct {
	offset int
	size   int
	free   bool
	prev   BlockHandle
	next   BlockHandle

	userData any
	inUse    bool
}

// PageMetadata manages the chain of blocks inside a single page of memory. Blocks are kept in
// an arena and addressed by BlockHandle; the chain links physically adjacent blocks in order of
// ascending offset. Every block also has its header stamped into the page memory directly before
// its payload.
//
// PageMetadata only knows about its own page. Deciding which block to split and keeping free
// blocks in a free list is the responsibility of the consumer.
type PageMetadata struct {
	data       []byte
	headerRoom int

	blocks    []pageBlock
	freeSlots []BlockHandle
	head      BlockHandle

	blockCount     int
	freeCount      int
	allocatedBytes int
}

var _ memutils.Validatable = &PageMetadata{}

// Init prepares the metadata to manage data, a page of memory. The first headerRoom bytes of the
// page are left alone for the consumer; everything after that becomes a single free block.
func (m *PageMetadata) Init(data []byte, headerRoom int) {
	if headerRoom < 0 || headerRoom+BlockHeaderSize > len(data) {
		panic(fmt.Sprintf("a page of %d bytes cannot hold %d bytes of header room and a block header", len(data), headerRoom))
	}

	m.data = data
	m.headerRoom = headerRoom
	m.blocks = m.blocks[:0]
	m.freeSlots = m.freeSlots[:0]
	m.blockCount = 0
	m.freeCount = 0
	m.allocatedBytes = 0

	m.head = m.allocateBlock()
	block := &m.blocks[m.head]
	block.offset = headerRoom
	block.size = MaxPayloadSize(len(data), headerRoom)
	block.free = true
	m.freeCount++

	m.stamp(m.head)
}

// Size returns the size in bytes of the page, including header room
func (m *PageMetadata) Size() int { return len(m.data) }

// Capacity returns the number of bytes available for blocks and their headers
func (m *PageMetadata) Capacity() int { return len(m.data) - m.headerRoom }

// MaxBlockSize returns the largest payload a single block in this page can have
func (m *PageMetadata) MaxBlockSize() int { return MaxPayloadSize(len(m.data), m.headerRoom) }

// MaxPayloadSize returns the payload size of the single block that fills a page of pageSize bytes
// with headerRoom bytes reserved at its start
func MaxPayloadSize(pageSize int, headerRoom int) int {
	return pageSize - headerRoom - BlockHeaderSize
}

// FirstBlock returns the handle of the block with the lowest offset
func (m *PageMetadata) FirstBlock() BlockHandle { return m.head }

func (m *PageMetadata) BlockCount() int      { return m.blockCount }
func (m *PageMetadata) FreeBlockCount() int  { return m.freeCount }
func (m *PageMetadata) AllocationCount() int { return m.blockCount - m.freeCount }
func (m *PageMetadata) AllocatedBytes() int  { return m.allocatedBytes }

// IsEmpty will return true if this page has no live allocations
func (m *PageMetadata) IsEmpty() bool {
	return m.freeCount == m.blockCount
}

// IsReclaimable returns true when the whole page has coalesced back into a single free block
// with no chain neighbors
func (m *PageMetadata) IsReclaimable() bool {
	block := m.block(m.head)
	return block.free && block.prev == NoBlock && block.next == NoBlock
}

func (m *PageMetadata) block(handle BlockHandle) *pageBlock {
	if handle < 0 || int(handle) >= len(m.blocks) || !m.blocks[handle].inUse {
		panic(fmt.Sprintf("received block handle %d that does not refer to a live block", handle))
	}

	return &m.blocks[handle]
}

func (m *PageMetadata) IsFree(handle BlockHandle) bool   { return m.block(handle).free }
func (m *PageMetadata) BlockSize(handle BlockHandle) int { return m.block(handle).size }

// BlockOffset returns the offset of the block's header from the start of the page
func (m *PageMetadata) BlockOffset(handle BlockHandle) int { return m.block(handle).offset }

// PayloadOffset returns the offset of the block's payload from the start of the page
func (m *PageMetadata) PayloadOffset(handle BlockHandle) int {
	return m.block(handle).offset + BlockHeaderSize
}

func (m *PageMetadata) Next(handle BlockHandle) BlockHandle { return m.block(handle).next }
func (m *PageMetadata) Prev(handle BlockHandle) BlockHandle { return m.block(handle).prev }

// Payload returns the payload bytes of a block
func (m *PageMetadata) Payload(handle BlockHandle) []byte {
	block := m.block(handle)
	start := block.offset + BlockHeaderSize
	return m.data[start : start+block.size : start+block.size]
}

// Slack returns the number of bytes between the end of a block's payload and the header of the
// next block (or the end of the page). It is only ever nonzero for allocated blocks.
func (m *PageMetadata) Slack(handle BlockHandle) int {
	block := m.block(handle)
	return m.blockEnd(block) - (block.offset + BlockHeaderSize + block.size)
}

func (m *PageMetadata) blockEnd(block *pageBlock) int {
	if block.next == NoBlock {
		return len(m.data)
	}

	return m.blocks[block.next].offset
}

func (m *PageMetadata) UserData(handle BlockHandle) any {
	return m.block(handle).userData
}

func (m *PageMetadata) SetUserData(handle BlockHandle, userData any) {
	m.block(handle).userData = userData
}

func (m *PageMetadata) allocateBlock() BlockHandle {
	m.blockCount++

	if n := len(m.freeSlots); n > 0 {
		handle := m.freeSlots[n-1]
		m.freeSlots = m.freeSlots[:n-1]
		m.blocks[handle] = pageBlock{inUse: true, prev: NoBlock, next: NoBlock}
		return handle
	}

	m.blocks = append(m.blocks, pageBlock{inUse: true, prev: NoBlock, next: NoBlock})
	return BlockHandle(len(m.blocks) - 1)
}

func (m *PageMetadata) freeBlock(handle BlockHandle) {
	m.blocks[handle] = pageBlock{}
	m.freeSlots = append(m.freeSlots, handle)
	m.blockCount--
}

// Split carves an allocation of size bytes out of the front of a free block. The block becomes
// allocated with exactly size bytes of payload. What happens to the rest is described by the
// returned SplitOutcome; when it is SplitSoftFragment the returned handle is the new free block
// that follows the allocation, otherwise it is NoBlock. A remainder of exactly one header becomes
// a free block with an empty payload, so slack is always smaller than a header.
//
// Splitting an allocated block, or asking for more than the block holds, panics.
func (m *PageMetadata) Split(handle BlockHandle, size int) (SplitOutcome, BlockHandle) {
	block := m.block(handle)
	if !block.free {
		panic(fmt.Sprintf("block at offset %d is already allocated", block.offset))
	}
	if size < 0 || size > block.size {
		panic(fmt.Sprintf("block at offset %d has %d bytes and cannot be split for %d bytes", block.offset, block.size, size))
	}

	remainder := block.size - size
	block.size = size
	block.free = false
	block.userData = nil
	m.freeCount--
	m.allocatedBytes += size

	if remainder == 0 {
		m.stamp(handle)
		return SplitExact, NoBlock
	}

	if remainder < BlockHeaderSize {
		// Too small for a header, stays attached to the allocation until it's freed
		m.stamp(handle)
		return SplitHardFragment, NoBlock
	}

	newHandle := m.allocateBlock()
	block = &m.blocks[handle]
	newBlock := &m.blocks[newHandle]
	newBlock.offset = block.offset + BlockHeaderSize + size
	newBlock.size = remainder - BlockHeaderSize
	newBlock.free = true
	newBlock.prev = handle
	newBlock.next = block.next
	if block.next != NoBlock {
		m.blocks[block.next].prev = newHandle
	}
	block.next = newHandle
	m.freeCount++

	m.stamp(handle)
	m.stamp(newHandle)
	if newBlock.next != NoBlock {
		m.stamp(newBlock.next)
	}

	return SplitSoftFragment, newHandle
}

// Release marks an allocated block free. Any slack attached to the block is folded back into
// its size by measuring the distance to the next block's header, or to the end of the page for
// the topmost block. Release does not coalesce; it returns the number of slack bytes recovered.
func (m *PageMetadata) Release(handle BlockHandle) int {
	block := m.block(handle)
	if block.free {
		panic(fmt.Sprintf("block at offset %d is already free", block.offset))
	}

	m.allocatedBytes -= block.size

	recovered := m.blockEnd(block) - (block.offset + BlockHeaderSize + block.size)
	block.size += recovered
	block.free = true
	block.userData = nil
	m.freeCount++

	m.stamp(handle)
	return recovered
}

// Coalesce merges second into first. Both blocks must be free and second must directly follow
// first in the chain; anything else is a broken invariant and panics. The handle for second is
// invalid afterward.
func (m *PageMetadata) Coalesce(first, second BlockHandle) {
	firstBlock := m.block(first)
	secondBlock := m.block(second)

	if !firstBlock.free || !secondBlock.free {
		panic(fmt.Sprintf("cannot coalesce blocks at offsets %d and %d: both blocks must be free", firstBlock.offset, secondBlock.offset))
	}
	if firstBlock.next != second || secondBlock.prev != first {
		panic(fmt.Sprintf("cannot coalesce blocks at offsets %d and %d: they are not chain neighbors", firstBlock.offset, secondBlock.offset))
	}

	firstBlock.size += BlockHeaderSize + secondBlock.size
	firstBlock.next = secondBlock.next
	if secondBlock.next != NoBlock {
		m.blocks[secondBlock.next].prev = first
	}

	m.freeCount--
	m.freeBlock(second)

	m.stamp(first)
	if firstBlock.next != NoBlock {
		m.stamp(firstBlock.next)
	}
}

func (m *PageMetadata) stamp(handle BlockHandle) {
	block := &m.blocks[handle]

	image := blockHeaderImage{
		Magic:      blockHeaderMagic,
		State:      headerStateAllocated,
		Size:       uint32(block.size),
		Offset:     uint32(block.offset),
		PrevOffset: noNeighborOffset,
		NextOffset: noNeighborOffset,
	}
	if block.free {
		image.State = headerStateFree
	}
	if block.prev != NoBlock {
		image.PrevOffset = uint32(m.blocks[block.prev].offset)
	}
	if block.next != NoBlock {
		image.NextOffset = uint32(m.blocks[block.next].offset)
	}

	image.encode(m.data[block.offset : block.offset+BlockHeaderSize])
}

// VisitAllBlocks will call the provided callback once for each block in the page, in order of
// ascending offset. Iteration stops at the first error, which is returned.
func (m *PageMetadata) VisitAllBlocks(handleBlock func(handle BlockHandle, offset int, size int, free bool) error) error {
	for handle := m.head; handle != NoBlock; handle = m.blocks[handle].next {
		block := m.blocks[handle]
		err := handleBlock(handle, block.offset, block.size, block.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the chain: ordering, contiguity, the
// conservation of the page's capacity, slack bounds, coalescing and the bookkeeping counters.
func (m *PageMetadata) Validate() error {
	if m.data == nil {
		return errors.New("page metadata has not been initialized")
	}

	if m.head < 0 || int(m.head) >= len(m.blocks) || !m.blocks[m.head].inUse {
		return errors.Errorf("the first block handle %d is not a live block", m.head)
	}

	var calculatedSize, blockCount, freeCount, allocatedBytes int
	expectedOffset := m.headerRoom
	prev := NoBlock

	for handle := m.head; handle != NoBlock; handle = m.blocks[handle].next {
		if blockCount >= len(m.blocks) {
			return errors.New("the block chain contains a cycle")
		}

		block := m.blocks[handle]
		if block.prev != prev {
			return errors.Errorf("block at offset %d has a previous block, but the reverse reference is broken", block.offset)
		}

		if block.offset != expectedOffset {
			return errors.Errorf("block at offset %d should begin at offset %d", block.offset, expectedOffset)
		}

		end := len(m.data)
		if block.next != NoBlock {
			if block.next < 0 || int(block.next) >= len(m.blocks) || !m.blocks[block.next].inUse {
				return errors.Errorf("block at offset %d lists handle %d as its next block, which is not a live block", block.offset, block.next)
			}
			end = m.blocks[block.next].offset
		}

		slack := end - (block.offset + BlockHeaderSize + block.size)
		if slack < 0 {
			return errors.Errorf("block at offset %d overlaps the block after it by %d bytes", block.offset, -slack)
		}

		if slack >= BlockHeaderSize {
			return errors.Errorf("block at offset %d carries %d bytes of slack, which could have held a block header", block.offset, slack)
		}

		if block.free {
			if slack != 0 {
				return errors.Errorf("free block at offset %d has %d bytes of unrecovered slack", block.offset, slack)
			}
			if prev != NoBlock && m.blocks[prev].free {
				return errors.Errorf("free blocks at offsets %d and %d are adjacent but were not coalesced", m.blocks[prev].offset, block.offset)
			}

			freeCount++
		} else {
			allocatedBytes += block.size
		}

		calculatedSize += BlockHeaderSize + block.size + slack
		blockCount++
		expectedOffset = end
		prev = handle
	}

	if calculatedSize != m.Capacity() {
		return errors.Errorf("the capacity of the page is %d, but the blocks only added up to %d", m.Capacity(), calculatedSize)
	}

	if blockCount != m.blockCount {
		return errors.Errorf("the block count of the page is %d, but the chain contains %d blocks", m.blockCount, blockCount)
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free block count of the page is %d, but there were %d free blocks", m.freeCount, freeCount)
	}

	if allocatedBytes != m.allocatedBytes {
		return errors.Errorf("the allocated byte count of the page is %d, but the allocated blocks added up to %d", m.allocatedBytes, allocatedBytes)
	}

	return nil
}

// CheckCorruption compares the headers stamped into page memory with the chain. A mismatch
// means something wrote past the end of a payload.
func (m *PageMetadata) CheckCorruption() error {
	return m.VisitAllBlocks(func(handle BlockHandle, offset int, size int, free bool) error {
		image := decodeBlockHeader(m.data[offset : offset+BlockHeaderSize])
		if image.Magic != blockHeaderMagic {
			return errors.Errorf("memory corruption detected in block header at offset %d", offset)
		}

		block := m.blocks[handle]
		expectedState := headerStateAllocated
		if free {
			expectedState = headerStateFree
		}

		prevOffset, nextOffset := noNeighborOffset, noNeighborOffset
		if block.prev != NoBlock {
			prevOffset = uint32(m.blocks[block.prev].offset)
		}
		if block.next != NoBlock {
			nextOffset = uint32(m.blocks[block.next].offset)
		}

		if image.State != expectedState || image.Size != uint32(size) || image.Offset != uint32(offset) ||
			image.PrevOffset != prevOffset || image.NextOffset != nextOffset {
			return errors.Errorf("memory corruption detected in block header at offset %d: header does not match the block chain", offset)
		}

		return nil
	})
}

// AddDetailedStatistics sums this page's statistics into the provided memutils.DetailedStatistics
func (m *PageMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.PageCount++
	stats.PageBytes += m.Size()

	for handle := m.head; handle != NoBlock; handle = m.blocks[handle].next {
		block := &m.blocks[handle]
		if block.free {
			stats.AddFreeBlock(block.size)
		} else {
			stats.AddAllocation(block.size, m.blockEnd(block)-(block.offset+BlockHeaderSize+block.size))
		}
	}
}

// AddStatistics sums this page's statistics into the provided memutils.Statistics
func (m *PageMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.PageCount++
	stats.PageBytes += m.Size()
	stats.BlockCount += m.blockCount
	stats.FreeBlockCount += m.freeCount
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.allocatedBytes
}

// BlockJsonData populates a json object with information about this page
func (m *PageMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(m.Size())
	json.Name("CapacityBytes").Int(m.Capacity())
	json.Name("UnusedBytes").Int(stats.FreeBytes)
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("FreeBlocks").Int(stats.FreeBlockCount)
	json.Name("HardFragmentationBytes").Int(stats.HardFragmentationBytes)
}
