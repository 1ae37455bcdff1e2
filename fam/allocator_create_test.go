package fam

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/pagealloc/internal/vmem"
	"github.com/vkngwrapper/pagealloc/internal/vmem/mocks"
	"github.com/vkngwrapper/pagealloc/memutils"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateSynchronized", AllocatorCreateSynchronized.String())
	require.Equal(t, "AllocatorCreateSynchronized|CreateFlags(0x4)", (AllocatorCreateSynchronized | CreateFlags(4)).String())
}

func TestNewValidatesPageSize(t *testing.T) {
	mapper := vmem.NewHeapMapper(4096)

	_, err := New(nil, CreateOptions{Mapper: mapper, PageSize: 12288})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = New(nil, CreateOptions{Mapper: mapper, PageSize: 2048})
	require.Error(t, err)

	allocator, err := New(nil, CreateOptions{Mapper: mapper, PageSize: 16384})
	require.NoError(t, err)
	require.Equal(t, 16384, allocator.PageSize())
	require.Equal(t, 16384-PageHeaderSize-24, allocator.MaxAllocationBytes())

	_, err = New(nil, CreateOptions{Mapper: vmem.NewHeapMapper(32)})
	require.Error(t, err)
}

func TestNewWithOSMapper(t *testing.T) {
	allocator, err := New(nil, CreateOptions{})
	require.NoError(t, err)

	_, err = allocator.Register("emp_t", 64)
	require.NoError(t, err)

	ptr, err := allocator.Alloc("emp_t", 4)
	require.NoError(t, err)
	data := unsafe.Slice((*byte)(ptr), 256)
	data[255] = 1
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.CheckCorruption())

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Destroy())
}

func mockedAllocator(t *testing.T, mapper *mocks.MockMapper) *Allocator {
	mapper.EXPECT().PageSize().Return(testPageSize).AnyTimes()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, CreateOptions{Mapper: mapper})
	require.NoError(t, err)

	return allocator
}

func TestAllocMapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	allocator := mockedAllocator(t, mapper)

	mapErr := errors.New("cannot allocate memory")
	gomock.InOrder(
		mapper.EXPECT().Map(testPageSize).Return(make([]byte, testPageSize), nil),
		mapper.EXPECT().Map(testPageSize).Return(nil, mapErr),
	)

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)

	_, err = allocator.Alloc("emp_t", 1)
	require.True(t, errors.Is(err, memutils.ErrOSPageMapFailure))
	require.ErrorIs(t, err, mapErr)

	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 0, stats.PageCount)
	require.NoError(t, allocator.Validate())
}

func TestRegisterMapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	allocator := mockedAllocator(t, mapper)

	mapper.EXPECT().Map(testPageSize).Return(nil, errors.New("cannot allocate memory"))

	_, err := allocator.Register("emp_t", 64)
	require.True(t, errors.Is(err, memutils.ErrOSPageMapFailure))
	require.Empty(t, allocator.Families())
	require.NoError(t, allocator.Validate())
}

func TestFreeUnmapFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := mocks.NewMockMapper(ctrl)
	allocator := mockedAllocator(t, mapper)

	mapper.EXPECT().Map(testPageSize).DoAndReturn(func(size int) ([]byte, error) {
		return make([]byte, size), nil
	}).Times(2)
	mapper.EXPECT().Unmap(gomock.Any()).Return(errors.New("invalid argument"))

	_, err := allocator.Register("emp_t", 64)
	require.NoError(t, err)

	ptr, err := allocator.Alloc("emp_t", 1)
	require.NoError(t, err)

	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.ErrOSPageMapFailure))

	// The page is unlinked even though it could not be unmapped
	stats, err := allocator.FamilyStats("emp_t")
	require.NoError(t, err)
	require.Equal(t, 0, stats.PageCount)
	require.ErrorIs(t, allocator.Free(ptr), memutils.ErrInvalidFree)
	require.NoError(t, allocator.Validate())
}

func TestSynchronizedAllocator(t *testing.T) {
	_, allocator := readyAllocator(t, CreateOptions{Flags: AllocatorCreateSynchronized})
	require.True(t, allocator.mutex.Enabled())

	const workers = 8
	for i := 0; i < workers; i++ {
		_, err := allocator.Register(fmt.Sprintf("worker_%d", i), 16*(i+1))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			var live []unsafe.Pointer
			for j := 0; j < 200; j++ {
				ptr, err := allocator.Alloc(name, 1+j%7)
				if err != nil {
					errs <- err
					return
				}
				live = append(live, ptr)

				if j%3 == 0 {
					err = allocator.Free(live[0])
					if err != nil {
						errs <- err
						return
					}
					live = live[1:]
				}
			}

			for _, ptr := range live {
				err := allocator.Free(ptr)
				if err != nil {
					errs <- err
					return
				}
			}
		}(fmt.Sprintf("worker_%d", i))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, allocator.Validate())
	require.Equal(t, 0, allocator.AllocationCount())
	require.NoError(t, allocator.Destroy())
}
