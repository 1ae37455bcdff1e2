package fam

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/memutils/prioritylist"
)

var _ memutils.Validatable = &Allocator{}

// Validate performs internal consistency checks on the registry, every page and every free
// list, and checks that the live allocation index agrees with the pages
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.registry.Validate()
	if err != nil {
		return err
	}

	allocationCount := 0
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		var count int
		count, err = a.validateFamily(family)
		allocationCount += count
		return err == nil
	})
	if err != nil {
		return err
	}

	if allocationCount != a.allocations.Count() {
		return errors.Errorf("the pages hold %d allocations, but %d allocations are indexed", allocationCount, a.allocations.Count())
	}

	return nil
}

func (a *Allocator) validateFamily(family *PageFamily) (int, error) {
	pageCount := 0
	freeCount := 0
	allocationCount := 0

	var prev *vmPage
	for page := family.pages; page != nil; page = page.next {
		if page.family != family {
			return 0, errors.Errorf("page %d is in the page list of family %q but belongs to another family", page.id, family.name)
		}
		if page.prev != prev {
			return 0, errors.Errorf("page %d of family %q has a broken previous page reference", page.id, family.name)
		}
		if page.isReclaimable() {
			return 0, errors.Errorf("page %d of family %q is entirely free but was not released", page.id, family.name)
		}

		err := page.metadata.Validate()
		if err != nil {
			return 0, errors.Wrapf(err, "family %q page %d", family.name, page.id)
		}

		err = page.metadata.VisitAllBlocks(func(handle metadata.BlockHandle, offset int, size int, free bool) error {
			if free {
				element, ok := page.metadata.UserData(handle).(prioritylist.Element[freeBlock])
				if !ok || !family.freeBlocks.Contains(element) {
					return errors.Errorf("free block at offset %d of page %d is not in the free list of family %q", offset, page.id, family.name)
				}

				item := element.Item()
				if item.page != page || item.handle != handle || item.size != size {
					return errors.Errorf("free list entry for the block at offset %d of page %d does not match the block", offset, page.id)
				}

				freeCount++
				return nil
			}

			if size%family.structSize != 0 {
				return errors.Errorf("allocation at offset %d of page %d is %d bytes, which is not a multiple of the structure size of family %q", offset, page.id, size, family.name)
			}

			payload := page.metadata.Payload(handle)
			allocation, ok := a.allocations.Get(uintptr(unsafe.Pointer(&payload[0])))
			if !ok || allocation.page != page || allocation.handle != handle {
				return errors.Errorf("allocation at offset %d of page %d is not indexed by its payload address", offset, page.id)
			}

			allocationCount++
			return nil
		})
		if err != nil {
			return 0, err
		}

		pageCount++
		prev = page
	}

	if pageCount != family.pageCount {
		return 0, errors.Errorf("family %q has %d pages in its page list, but its page count is %d", family.name, pageCount, family.pageCount)
	}

	if freeCount != family.freeBlocks.Len() {
		return 0, errors.Errorf("family %q has %d free blocks, but its free list holds %d", family.name, freeCount, family.freeBlocks.Len())
	}

	ordered := true
	lastSize := -1
	family.freeBlocks.Ascend(func(item freeBlock) bool {
		if lastSize >= 0 && item.size > lastSize {
			ordered = false
			return false
		}
		lastSize = item.size
		return true
	})
	if !ordered {
		return 0, errors.Errorf("the free list of family %q is not ordered by descending size", family.name)
	}

	return allocationCount, nil
}
