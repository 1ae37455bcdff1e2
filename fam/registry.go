package fam

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
	"github.com/vkngwrapper/pagealloc/memutils"
	"golang.org/x/exp/slog"
)

const (
	// familyNameSize is the width of the name field in a family record, terminator included
	familyNameSize = 32
	// MaxFamilyNameLength is the longest family name, in bytes, that can be registered
	MaxFamilyNameLength = familyNameSize - 1

	familyRecordSize = familyNameSize + 4

	// batchHeaderSize is the space at the front of each registry batch page: magic, batch
	// index and record count, padded out to 16 bytes
	batchHeaderSize        = 16
	batchMagic      uint32 = 0x46414D52
)

// registryBatch is a single mapped page holding a fixed number of family records
type registryBatch struct {
	next     *registryBatch
	index    int
	data     []byte
	families []*PageFamily
}

func (b *registryBatch) writeRecord(slot int, family *PageFamily) {
	record := b.data[batchHeaderSize+slot*familyRecordSize : batchHeaderSize+(slot+1)*familyRecordSize]
	copy(record[:familyNameSize], family.name)
	clear(record[len(family.name):familyNameSize])
	binary.LittleEndian.PutUint32(record[familyNameSize:], uint32(family.structSize))

	binary.LittleEndian.PutUint32(b.data[8:], uint32(slot+1))
}

func (b *registryBatch) validate() error {
	if magic := binary.LittleEndian.Uint32(b.data[0:]); magic != batchMagic {
		return errors.Newf("registry batch %d has a corrupted header", b.index)
	}

	if count := int(binary.LittleEndian.Uint32(b.data[8:])); count != len(b.families) {
		return errors.Newf("registry batch %d records %d families in memory but holds %d", b.index, count, len(b.families))
	}

	for slot, family := range b.families {
		record := b.data[batchHeaderSize+slot*familyRecordSize : batchHeaderSize+(slot+1)*familyRecordSize]
		name := record[:familyNameSize]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}

		if string(name) != family.name {
			return errors.Newf("registry batch %d slot %d records the name %q but holds family %q", b.index, slot, name, family.name)
		}

		if size := int(binary.LittleEndian.Uint32(record[familyNameSize:])); size != family.structSize {
			return errors.Newf("registry batch %d slot %d records size %d for family %q, which has size %d", b.index, slot, size, family.name, family.structSize)
		}
	}

	return nil
}

// familyRegistry is the catalog of registered page families. Families are stored in batches,
// each backed by one mapped page; a new batch is chained at the head when the current one is full.
type familyRegistry struct {
	logger        *slog.Logger
	mapper        vmem.Mapper
	pageSize      int
	batchCapacity int

	head        *registryBatch
	batchCount  int
	familyCount int
}

func (r *familyRegistry) Init(logger *slog.Logger, mapper vmem.Mapper, pageSize int) {
	r.logger = logger
	r.mapper = mapper
	r.pageSize = pageSize
	r.batchCapacity = (pageSize - batchHeaderSize) / familyRecordSize
	r.head = nil
	r.batchCount = 0
	r.familyCount = 0
}

func validateFamily(name string, structSize int) error {
	if name == "" {
		return errors.Wrap(memutils.ErrInvalidFamily, "family name is empty")
	}

	if len(name) > MaxFamilyNameLength {
		return errors.Wrapf(memutils.ErrInvalidFamily, "family name %q is %d bytes long, but the limit is %d", name, len(name), MaxFamilyNameLength)
	}

	if strings.IndexByte(name, 0) >= 0 {
		return errors.Wrapf(memutils.ErrInvalidFamily, "family name %q contains a NUL byte", name)
	}

	if structSize <= 0 {
		return errors.Wrapf(memutils.ErrInvalidFamily, "family %q has structure size %d", name, structSize)
	}

	return nil
}

func (r *familyRegistry) Register(name string, structSize int) (*PageFamily, error) {
	err := validateFamily(name, structSize)
	if err != nil {
		return nil, err
	}

	if structSize > r.pageSize {
		return nil, errors.Wrapf(memutils.ErrSizeExceedsPage, "family %q has structure size %d, but pages are %d bytes", name, structSize, r.pageSize)
	}

	if r.find(name) != nil {
		return nil, errors.Wrapf(memutils.ErrDuplicateFamily, "family %q", name)
	}

	batch := r.head
	if batch == nil || len(batch.families) >= r.batchCapacity {
		batch, err = r.addBatch()
		if err != nil {
			return nil, err
		}
	}

	family := newPageFamily(r.familyCount, name, structSize)
	batch.writeRecord(len(batch.families), family)
	batch.families = append(batch.families, family)
	r.familyCount++

	return family, nil
}

func (r *familyRegistry) addBatch() (*registryBatch, error) {
	data, err := r.mapper.Map(r.pageSize)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to map a registry batch page"), memutils.ErrOSPageMapFailure)
	}

	batch := &registryBatch{
		next:     r.head,
		index:    r.batchCount,
		data:     data,
		families: make([]*PageFamily, 0, r.batchCapacity),
	}
	binary.LittleEndian.PutUint32(data[0:], batchMagic)
	binary.LittleEndian.PutUint32(data[4:], uint32(batch.index))
	binary.LittleEndian.PutUint32(data[8:], 0)

	r.head = batch
	r.batchCount++

	r.logger.Debug("  Mapped registry batch", slog.Int("Batch", batch.index), slog.Int("Capacity", r.batchCapacity))
	return batch, nil
}

func (r *familyRegistry) find(name string) *PageFamily {
	for batch := r.head; batch != nil; batch = batch.next {
		for _, family := range batch.families {
			if family.name == name {
				return family
			}
		}
	}

	return nil
}

func (r *familyRegistry) Lookup(name string) (*PageFamily, error) {
	family := r.find(name)
	if family == nil {
		return nil, errors.Wrapf(memutils.ErrFamilyNotFound, "family %q", name)
	}

	return family, nil
}

// VisitFamilies calls visit for every family in registration order, stopping early if visit returns false
func (r *familyRegistry) VisitFamilies(visit func(family *PageFamily) bool) {
	batches := make([]*registryBatch, r.batchCount)
	i := r.batchCount
	for batch := r.head; batch != nil; batch = batch.next {
		i--
		batches[i] = batch
	}

	for _, batch := range batches {
		for _, family := range batch.families {
			if !visit(family) {
				return
			}
		}
	}
}

func (r *familyRegistry) FamilyCount() int {
	return r.familyCount
}

func (r *familyRegistry) BatchCount() int {
	return r.batchCount
}

func (r *familyRegistry) Validate() error {
	familyCount := 0
	batchCount := 0
	for batch := r.head; batch != nil; batch = batch.next {
		err := batch.validate()
		if err != nil {
			return err
		}

		if batch.next != nil && len(batch.next.families) != r.batchCapacity {
			return errors.Newf("registry batch %d was chained ahead of batch %d before it was full", batch.index, batch.next.index)
		}

		familyCount += len(batch.families)
		batchCount++
	}

	if familyCount != r.familyCount {
		return errors.Newf("the registry holds %d families but its count is %d", familyCount, r.familyCount)
	}

	if batchCount != r.batchCount {
		return errors.Newf("the registry holds %d batches but its count is %d", batchCount, r.batchCount)
	}

	return nil
}

// Destroy unmaps every batch page. The registry is empty afterward, even if some pages failed
// to unmap.
func (r *familyRegistry) Destroy() error {
	var err error
	for batch := r.head; batch != nil; batch = batch.next {
		unmapErr := r.mapper.Unmap(batch.data)
		if unmapErr != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelError, "failed to unmap registry batch",
				slog.Int("Batch", batch.index),
				slog.Any("error", unmapErr))
			err = errors.CombineErrors(err, errors.Mark(unmapErr, memutils.ErrOSPageMapFailure))
		}
	}

	r.head = nil
	r.batchCount = 0
	r.familyCount = 0
	return err
}
