package fam

import (
	"fmt"

	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/memutils/prioritylist"
	"golang.org/x/exp/slog"
)

// insertFreeBlock adds a free block to the family's free list and remembers the list element in
// the block's user data so the block can be found again for removal
func (f *PageFamily) insertFreeBlock(page *vmPage, handle metadata.BlockHandle) {
	if !page.metadata.IsFree(handle) {
		panic(fmt.Sprintf("attempted to add the allocated block at offset %d to the free list of family %q", page.metadata.BlockOffset(handle), f.name))
	}

	element := f.freeBlocks.Insert(freeBlock{
		page:   page,
		handle: handle,
		size:   page.metadata.BlockSize(handle),
	})
	page.metadata.SetUserData(handle, element)
}

func (f *PageFamily) removeFreeBlock(page *vmPage, handle metadata.BlockHandle) {
	element, ok := page.metadata.UserData(handle).(prioritylist.Element[freeBlock])
	if !ok {
		panic(fmt.Sprintf("free block at offset %d of family %q is not in the free list", page.metadata.BlockOffset(handle), f.name))
	}

	f.freeBlocks.Remove(element)
	page.metadata.SetUserData(handle, nil)
}

// biggestFreeBlock returns the largest free block of the family, if it has any
func (f *PageFamily) biggestFreeBlock() (freeBlock, bool) {
	return f.freeBlocks.PeekMax()
}

// allocate finds room for size bytes in family. Only the single largest free block is
// considered; when it is too small, a new page is acquired even if the family has enough free
// space scattered across smaller blocks.
func (a *Allocator) allocate(family *PageFamily, size int) (*vmPage, metadata.BlockHandle, error) {
	block, ok := family.biggestFreeBlock()
	if !ok || block.size < size {
		page, err := a.acquirePage(family)
		if err != nil {
			return nil, metadata.NoBlock, err
		}

		block = freeBlock{page: page, handle: page.metadata.FirstBlock()}
	}

	a.split(family, block.page, block.handle, size)
	memutils.DebugValidate(&block.page.metadata)

	return block.page, block.handle, nil
}

// split turns a free block into an allocation of exactly size bytes. A remainder large enough
// to hold a block header becomes a new free block; a smaller one stays attached to the
// allocation as hard fragmentation.
func (a *Allocator) split(family *PageFamily, page *vmPage, handle metadata.BlockHandle, size int) {
	family.removeFreeBlock(page, handle)

	outcome, remainder := page.metadata.Split(handle, size)
	if outcome == metadata.SplitSoftFragment {
		family.insertFreeBlock(page, remainder)
	}

	a.logger.Debug("  Split block",
		slog.String("Family", family.name),
		slog.Int("Page", page.id),
		slog.Int("Offset", page.metadata.BlockOffset(handle)),
		slog.Int("Size", size),
		slog.String("Outcome", outcome.String()),
	)
}

// free returns an allocated block to its family. Slack is recovered, the block is merged with
// any free neighbors and the result is either placed in the free list or, if it spans the whole
// page, the page is released. The returned handle is the resulting free block, or NoBlock when
// the page was released.
func (a *Allocator) free(family *PageFamily, page *vmPage, handle metadata.BlockHandle) (metadata.BlockHandle, error) {
	page.metadata.Release(handle)

	if next := page.metadata.Next(handle); next != metadata.NoBlock && page.metadata.IsFree(next) {
		a.coalesce(family, page, handle, next)
	}

	if prev := page.metadata.Prev(handle); prev != metadata.NoBlock && page.metadata.IsFree(prev) {
		family.removeFreeBlock(page, prev)
		a.coalesce(family, page, prev, handle)
		handle = prev
	}

	if page.isReclaimable() {
		return metadata.NoBlock, a.releasePage(page)
	}

	family.insertFreeBlock(page, handle)
	memutils.DebugValidate(&page.metadata)

	return handle, nil
}

// coalesce merges second into first. first must already be out of the free list; second is
// taken out of it here if it was listed.
func (a *Allocator) coalesce(family *PageFamily, page *vmPage, first, second metadata.BlockHandle) {
	if page.metadata.UserData(second) != nil {
		family.removeFreeBlock(page, second)
	}

	page.metadata.Coalesce(first, second)
}
