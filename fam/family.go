package fam

import (
	"cmp"

	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"github.com/vkngwrapper/pagealloc/memutils/prioritylist"
)

// PageFamily is a registered object type. Every allocation from a family is a whole number of
// structures of StructSize bytes, served from pages that belong to that family alone.
type PageFamily struct {
	id         int
	name       string
	structSize int

	pages     *vmPage
	pageCount int

	freeBlocks *prioritylist.List[freeBlock]
}

// FamilyInfo describes a registered family
type FamilyInfo struct {
	Name       string
	StructSize int
}

// freeBlock is a free list entry. size is captured at insertion and must be removed from the
// list before the block's size changes.
type freeBlock struct {
	page   *vmPage
	handle metadata.BlockHandle
	size   int
}

func compareFreeBlocks(a, b freeBlock) int {
	return cmp.Compare(a.size, b.size)
}

func newPageFamily(id int, name string, structSize int) *PageFamily {
	return &PageFamily{
		id:         id,
		name:       name,
		structSize: structSize,
		freeBlocks: prioritylist.New[freeBlock](compareFreeBlocks),
	}
}

func (f *PageFamily) Name() string    { return f.name }
func (f *PageFamily) StructSize() int { return f.structSize }

// PageCount returns the number of pages currently mapped for this family
func (f *PageFamily) PageCount() int { return f.pageCount }

func (f *PageFamily) Info() FamilyInfo {
	return FamilyInfo{Name: f.name, StructSize: f.structSize}
}

func (f *PageFamily) visitPages(visit func(page *vmPage) bool) {
	for page := f.pages; page != nil; page = page.next {
		if !visit(page) {
			return
		}
	}
}
