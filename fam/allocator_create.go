package fam

import (
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
	"github.com/vkngwrapper/pagealloc/memutils"
	"github.com/vkngwrapper/pagealloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateSynchronized causes every public method of the allocator to take a single
	// allocator-wide mutex. Without it, the consumer must guarantee the allocator is used from only
	// one goroutine at a time.
	AllocatorCreateSynchronized CreateFlags = 1 << iota
)

var createFlagNames = []struct {
	flag CreateFlags
	name string
}{
	{AllocatorCreateSynchronized, "AllocatorCreateSynchronized"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	remaining := f
	for _, entry := range createFlagNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			remaining &^= entry.flag
		}
	}

	if remaining != 0 {
		names = append(names, fmt.Sprintf("CreateFlags(%#x)", int32(remaining)))
	}

	return strings.Join(names, "|")
}

const (
	// maxPageSize bounds the page size so that every offset fits in a stamped block header
	maxPageSize int = 1 << 30
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PageSize is the size in bytes of each VM page. It must be a power of two and a multiple of
	// the mapper's page size. When it is left at 0, the mapper's page size is used.
	PageSize int

	// Mapper is the source of page memory. When it is nil, pages are mapped directly from the
	// operating system.
	Mapper vmem.Mapper

	// Registerer is optional. When it is provided, a collector exporting per-family page and block
	// statistics is registered with it.
	Registerer prometheus.Registerer
}

// New creates a new Allocator
//
// logger - Debug-level logs are emitted for every public operation and page lifecycle event;
// leaks found during Destroy are logged at error level. A nil logger discards everything.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mapper := options.Mapper
	if mapper == nil {
		mapper = vmem.NewOSMapper()
	}

	pageSize := options.PageSize
	if pageSize == 0 {
		pageSize = mapper.PageSize()
	}

	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	if mapperPageSize := mapper.PageSize(); mapperPageSize <= 0 || pageSize%mapperPageSize != 0 {
		return nil, errors.Newf("page size %d is not a multiple of the mapper's page size %d", pageSize, mapperPageSize)
	}

	if pageSize > maxPageSize {
		return nil, errors.Newf("page size %d exceeds the maximum page size %d", pageSize, maxPageSize)
	}

	if metadata.MaxPayloadSize(pageSize, PageHeaderSize) < 1 || pageSize < batchHeaderSize+familyRecordSize {
		return nil, errors.Newf("page size %d is too small to hold a page header and a single block", pageSize)
	}

	allocator := &Allocator{
		logger:      logger,
		mapper:      mapper,
		pageSize:    pageSize,
		createFlags: options.Flags,
		allocations: swiss.NewMap[uintptr, liveAllocation](64),
	}
	allocator.registry.Init(logger, mapper, pageSize)

	if options.Flags&AllocatorCreateSynchronized != 0 {
		allocator.mutex.Enable()
	}

	if options.Registerer != nil {
		err = options.Registerer.Register(NewCollector(allocator))
		if err != nil {
			return nil, errors.Wrap(err, "failed to register the allocator collector")
		}
	}

	logger.Debug("Allocator::New",
		slog.Int("PageSize", pageSize),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
