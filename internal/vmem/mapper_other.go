//go:build plan9 || windows || js

package vmem

import "os"

// NewOSMapper falls back to a HeapMapper on platforms without anonymous mmap
func NewOSMapper() *HeapMapper {
	return NewHeapMapper(os.Getpagesize())
}

// NewOSMapperWithPageSize falls back to a HeapMapper on platforms without anonymous mmap
func NewOSMapperWithPageSize(pageSize int) (*HeapMapper, error) {
	err := checkPageSize(pageSize, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	return NewHeapMapper(pageSize), nil
}
