//go:build !plan9 && !windows && !js

package vmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// OSMapper maps anonymous private memory directly from the operating system. Regions are
// readable and writable but never executable.
type OSMapper struct {
	pageSize int
}

var _ Mapper = &OSMapper{}

// NewOSMapper creates a mapper that works in units of the operating system's page size
func NewOSMapper() *OSMapper {
	return &OSMapper{pageSize: unix.Getpagesize()}
}

// NewOSMapperWithPageSize creates a mapper that works in units of pageSize bytes, which must be a
// power of two and a multiple of the operating system's page size
func NewOSMapperWithPageSize(pageSize int) (*OSMapper, error) {
	err := checkPageSize(pageSize, unix.Getpagesize())
	if err != nil {
		return nil, err
	}

	return &OSMapper{pageSize: pageSize}, nil
}

func (m *OSMapper) PageSize() int { return m.pageSize }

func (m *OSMapper) Map(size int) ([]byte, error) {
	err := checkRegionSize(size, m.pageSize)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return data, nil
}

func (m *OSMapper) Unmap(data []byte) error {
	err := unix.Munmap(data)
	if err != nil {
		return errors.Wrapf(err, "munmap of %d bytes failed", len(data))
	}

	return nil
}
