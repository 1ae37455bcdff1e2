package fam

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/pagealloc/fam/internal/utils"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

const freedPayloadPattern uint8 = 0xEF

// liveAllocation locates the block behind a payload pointer handed out by Alloc
type liveAllocation struct {
	page   *vmPage
	handle metadata.BlockHandle
}

// Allocator serves allocations of registered page families out of mapped pages. Payload memory
// lives outside the Go heap and is not scanned by the garbage collector, so families must only
// describe data that holds no Go pointers.
//
// An Allocator is not safe for concurrent use unless it was created with
// AllocatorCreateSynchronized.
type Allocator struct {
	logger      *slog.Logger
	mutex       utils.OptionalMutex
	mapper      vmem.Mapper
	pageSize    int
	createFlags CreateFlags

	registry    familyRegistry
	allocations *swiss.Map[uintptr, liveAllocation]
	nextPageID  int
}

// PageSize returns the size in bytes of every VM page
func (a *Allocator) PageSize() int { return a.pageSize }

// MaxAllocationBytes returns the largest payload a single allocation can have
func (a *Allocator) MaxAllocationBytes() int {
	return metadata.MaxPayloadSize(a.pageSize, PageHeaderSize)
}

// Register creates a new page family. It fails with memutils.ErrSizeExceedsPage when structSize
// is larger than a page, memutils.ErrDuplicateFamily when the name is already registered and
// memutils.ErrInvalidFamily when the name is empty, longer than MaxFamilyNameLength or the size is
// not positive.
func (a *Allocator) Register(name string, structSize int) (*PageFamily, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Register", slog.String("Family", name), slog.Int("StructSize", structSize))

	family, err := a.registry.Register(name, structSize)
	if err != nil {
		return nil, err
	}

	return family, nil
}

// Lookup returns the family registered under name, or memutils.ErrFamilyNotFound
func (a *Allocator) Lookup(name string) (*PageFamily, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.registry.Lookup(name)
}

// Families returns every registered family in registration order
func (a *Allocator) Families() []FamilyInfo {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	families := make([]FamilyInfo, 0, a.registry.FamilyCount())
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		families = append(families, family.Info())
		return true
	})

	return families
}

// Alloc allocates count zeroed structures of the family registered under name, contiguously,
// and returns a pointer to the first one
func (a *Allocator) Alloc(name string, count int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Alloc", slog.String("Family", name), slog.Int("Count", count))

	family, err := a.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	return a.allocFamily(family, count)
}

// AllocFamily allocates count zeroed structures of family, contiguously, and returns a pointer
// to the first one
func (a *Allocator) AllocFamily(family *PageFamily, count int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if family == nil {
		return nil, errors.Wrap(memutils.ErrFamilyNotFound, "nil family")
	}

	a.logger.Debug("Allocator::AllocFamily", slog.String("Family", family.name), slog.Int("Count", count))

	if a.registry.find(family.name) != family {
		return nil, errors.Wrapf(memutils.ErrFamilyNotFound, "family %q is not registered with this allocator", family.name)
	}

	return a.allocFamily(family, count)
}

func (a *Allocator) allocFamily(family *PageFamily, count int) (unsafe.Pointer, error) {
	if count <= 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidCount, "requested %d structures of family %q", count, family.name)
	}

	maxBytes := a.MaxAllocationBytes()
	if count > maxBytes/family.structSize {
		return nil, errors.Wrapf(memutils.ErrAllocationSizeExceeded,
			"%d structures of family %q need %d bytes, but a page can hold at most %d",
			count, family.name, count*family.structSize, maxBytes)
	}
	size := count * family.structSize

	page, handle, err := a.allocate(family, size)
	if err != nil {
		a.logger.Debug("  Allocator::Alloc FAILED", slog.Any("error", err))
		return nil, err
	}

	payload := page.metadata.Payload(handle)
	clear(payload)

	ptr := unsafe.Pointer(&payload[0])
	a.allocations.Put(uintptr(ptr), liveAllocation{page: page, handle: handle})

	return ptr, nil
}

// Free returns an allocation made by Alloc or AllocFamily. Pointers that are not live
// allocations of this allocator, including pointers that were already freed, are rejected with
// memutils.ErrInvalidFree and leave the allocator untouched.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Free")

	if ptr == nil {
		return errors.Wrap(memutils.ErrInvalidFree, "nil pointer")
	}

	key := uintptr(ptr)
	allocation, ok := a.allocations.Get(key)
	if !ok {
		return errors.Wrapf(memutils.ErrInvalidFree, "pointer %#x", key)
	}
	a.allocations.Delete(key)

	if InitializeAllocs {
		fillPayload(allocation.page.metadata.Payload(allocation.handle), freedPayloadPattern)
	}

	_, err := a.free(allocation.page.family, allocation.page, allocation.handle)
	return err
}

// AllocationCount returns the number of live allocations across every family
func (a *Allocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocations.Count()
}

// CheckCorruption verifies the page header and every block header stamped into page memory.
// A failure means a payload was written past its end.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::CheckCorruption")

	var err error
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		family.visitPages(func(page *vmPage) bool {
			err = page.checkHeader()
			if err == nil {
				err = page.metadata.CheckCorruption()
			}
			if err != nil {
				err = errors.Wrapf(err, "family %q page %d", family.name, page.id)
			}

			return err == nil
		})

		return err == nil
	})

	return err
}

// Destroy unmaps every page and registry batch. Allocations that were never freed are logged at
// error level, and an error is returned if there were any. The allocator holds no families
// afterward.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Destroy")

	var err error
	leaks := 0
	a.registry.VisitFamilies(func(family *PageFamily) bool {
		for family.pages != nil {
			page := family.pages
			leaks += a.logUnreleasedMemory(page)

			releaseErr := a.releasePage(page)
			if releaseErr != nil {
				err = errors.CombineErrors(err, releaseErr)
			}
		}

		family.freeBlocks.Clear()
		return true
	})

	err = errors.CombineErrors(err, a.registry.Destroy())
	a.allocations.Clear()

	if leaks > 0 {
		err = errors.CombineErrors(errors.Newf("%d allocations were not freed before the allocator was destroyed", leaks), err)
	}

	return err
}

func (a *Allocator) logUnreleasedMemory(page *vmPage) int {
	if page.metadata.IsEmpty() {
		return 0
	}

	leaks := 0
	_ = page.metadata.VisitAllBlocks(func(handle metadata.BlockHandle, offset int, size int, free bool) error {
		if free {
			return nil
		}

		leaks++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.String("Family", page.family.name),
			slog.Int("Page", page.id),
			slog.Int("Offset", offset),
			slog.Int("Size", size),
			slog.Int("Count", size/page.family.structSize),
		)
		return nil
	})

	return leaks
}
