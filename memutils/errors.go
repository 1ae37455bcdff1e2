package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrSizeExceedsPage is returned when a family is registered with a structure size larger than one page
	ErrSizeExceedsPage = errors.New("structure size exceeds page size")
	// ErrDuplicateFamily is returned when a family is registered under a name that is already in use
	ErrDuplicateFamily = errors.New("page family already registered")
	// ErrInvalidFamily is returned when a family name or structure size can never be registered
	ErrInvalidFamily = errors.New("invalid page family")
	// ErrFamilyNotFound is returned when a lookup or allocation names a family that was never registered
	ErrFamilyNotFound = errors.New("page family not found")
	// ErrAllocationSizeExceeded is returned when an allocation would not fit inside a single page
	ErrAllocationSizeExceeded = errors.New("allocation size exceeds page capacity")
	// ErrInvalidCount is returned when an allocation requests zero or fewer structures
	ErrInvalidCount = errors.New("allocation count must be positive")
	// ErrOSPageMapFailure marks errors that originate in mapping or unmapping OS pages
	ErrOSPageMapFailure = errors.New("os page mapping failed")
	// ErrInvalidFree is returned when a pointer passed to Free is not a live allocation
	ErrInvalidFree = errors.New("pointer is not a live allocation")
)
