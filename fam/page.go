package fam

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// PageHeaderSize is the number of bytes reserved at the start of every VM page for its page
	// header stamp: magic, family id, page id and the family's structure size
	PageHeaderSize int = 32

	pageHeaderMagic uint32 = 0x46504147
)

// vmPage is one mapped page owned by a single family. Pages of a family form a doubly linked
// list with the newest page at the head.
type vmPage struct {
	id     int
	family *PageFamily
	prev   *vmPage
	next   *vmPage

	data     []byte
	metadata metadata.PageMetadata
}

func (p *vmPage) stampHeader() {
	binary.LittleEndian.PutUint32(p.data[0:], pageHeaderMagic)
	binary.LittleEndian.PutUint32(p.data[4:], uint32(p.family.id))
	binary.LittleEndian.PutUint64(p.data[8:], uint64(p.id))
	binary.LittleEndian.PutUint32(p.data[16:], uint32(p.family.structSize))
}

func (p *vmPage) checkHeader() error {
	if binary.LittleEndian.Uint32(p.data[0:]) != pageHeaderMagic ||
		binary.LittleEndian.Uint32(p.data[4:]) != uint32(p.family.id) ||
		binary.LittleEndian.Uint64(p.data[8:]) != uint64(p.id) ||
		binary.LittleEndian.Uint32(p.data[16:]) != uint32(p.family.structSize) {
		return errors.Newf("memory corruption detected in the header of page %d of family %q", p.id, p.family.name)
	}

	return nil
}

// isReclaimable returns true when the page's whole capacity is a single free block with no
// neighbors
func (p *vmPage) isReclaimable() bool {
	return p.metadata.IsReclaimable()
}

// acquirePage maps a fresh page for family, initializes it to a single free block spanning its
// capacity, links it at the head of the family's page list and adds its block to the family's
// free list
func (a *Allocator) acquirePage(family *PageFamily) (*vmPage, error) {
	data, err := a.mapper.Map(a.pageSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to map a page for family %q", family.name), memutils.ErrOSPageMapFailure)
	}

	page := &vmPage{
		id:     a.nextPageID,
		family: family,
		data:   data,
	}
	a.nextPageID++

	page.stampHeader()
	page.metadata.Init(data, PageHeaderSize)

	page.next = family.pages
	if family.pages != nil {
		family.pages.prev = page
	}
	family.pages = page
	family.pageCount++

	family.insertFreeBlock(page, page.metadata.FirstBlock())

	a.logger.Debug("  Acquired page",
		slog.String("Family", family.name),
		slog.Int("Page", page.id),
		slog.Int("PageCount", family.pageCount),
	)

	return page, nil
}

// unlinkPage removes page from its family's page list
func (a *Allocator) unlinkPage(page *vmPage) {
	family := page.family

	if page.prev != nil {
		page.prev.next = page.next
	} else {
		family.pages = page.next
	}

	if page.next != nil {
		page.next.prev = page.prev
	}

	page.prev = nil
	page.next = nil
	family.pageCount--
}

// releasePage unlinks page from its family and unmaps it. The page is unlinked even when
// unmapping fails.
func (a *Allocator) releasePage(page *vmPage) error {
	a.unlinkPage(page)

	a.logger.Debug("  Released page",
		slog.String("Family", page.family.name),
		slog.Int("Page", page.id),
		slog.Int("PageCount", page.family.pageCount),
	)

	err := a.mapper.Unmap(page.data)
	page.data = nil
	if err != nil {
		a.logger.Error("failed to unmap page",
			slog.String("Family", page.family.name),
			slog.Int("Page", page.id),
			slog.Any("error", err),
		)
		return errors.Mark(errors.Wrapf(err, "failed to unmap page %d of family %q", page.id, page.family.name), memutils.ErrOSPageMapFailure)
	}

	return nil
}
