// Package vmem obtains and returns whole pages of memory that live outside the Go heap.
package vmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagealloc/memutils"
)

//go:generate mockgen -source mapper.go -destination ./mocks/mock_mapper.go -package mocks

// Mapper maps and unmaps zero-filled, read/write memory regions. Every region is a whole
// multiple of PageSize bytes long and must be returned to Unmap exactly as Map produced it.
type Mapper interface {
	// PageSize returns the granularity of the regions this mapper produces
	PageSize() int
	// Map returns a new zero-filled region of size bytes
	Map(size int) ([]byte, error)
	// Unmap returns a region produced by Map
	Unmap(data []byte) error
}

func checkRegionSize(size int, pageSize int) error {
	if size <= 0 || size%pageSize != 0 {
		return errors.Newf("region size %d is not a positive multiple of the page size %d", size, pageSize)
	}

	return nil
}

func checkPageSize(pageSize int, osPageSize int) error {
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return err
	}

	if pageSize%osPageSize != 0 {
		return errors.Newf("page size %d is not a multiple of the os page size %d", pageSize, osPageSize)
	}

	return nil
}
