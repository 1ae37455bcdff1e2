package vmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// HeapMapper hands out regions allocated from the Go heap. It tracks every live region so that
// unmapping a region twice, or unmapping a slice it never produced, is reported as an error.
// It is not safe for concurrent use.
type HeapMapper struct {
	pageSize int
	regions  *swiss.Map[uintptr, int]
}

var _ Mapper = &HeapMapper{}

// NewHeapMapper creates a mapper with the provided page size. It panics if pageSize is not
// positive.
func NewHeapMapper(pageSize int) *HeapMapper {
	if pageSize <= 0 {
		panic("heap mapper page size must be positive")
	}

	return &HeapMapper{
		pageSize: pageSize,
		regions:  swiss.NewMap[uintptr, int](16),
	}
}

func (m *HeapMapper) PageSize() int { return m.pageSize }

// LiveRegions returns the number of regions that have been mapped but not unmapped
func (m *HeapMapper) LiveRegions() int { return m.regions.Count() }

func (m *HeapMapper) Map(size int) ([]byte, error) {
	err := checkRegionSize(size, m.pageSize)
	if err != nil {
		return nil, err
	}

	data := make([]byte, size)
	m.regions.Put(uintptr(unsafe.Pointer(&data[0])), size)
	return data, nil
}

func (m *HeapMapper) Unmap(data []byte) error {
	if len(data) == 0 {
		return errors.New("attempted to unmap an empty region")
	}

	key := uintptr(unsafe.Pointer(&data[0]))
	size, ok := m.regions.Get(key)
	if !ok {
		return errors.Newf("region at %#x was not mapped by this mapper", key)
	}
	if size != len(data) {
		return errors.Newf("region at %#x was mapped with %d bytes but %d bytes were unmapped", key, size, len(data))
	}

	m.regions.Delete(key)
	return nil
}
