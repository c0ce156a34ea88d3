package enclave

import (
	"errors"

	"enclave-manager/internal/cpupool"
)

// Allocation errors.
var (
	ErrNoCPUsAvailable = errors.New("no cpus available in pool")
	ErrNotInPool       = errors.New("cpu not available in pool")
	ErrAlreadyUsed     = errors.New("already used")
	ErrInvalidCore     = errors.New("invalid core")
)

// Memory registration errors. ErrAlreadyUsed is shared with allocation.
var (
	ErrBadSize           = errors.New("memory size is not a multiple of the region granularity")
	ErrBadAddr           = errors.New("invalid user address")
	ErrNotHugePage       = errors.New("memory is not backed by huge pages")
	ErrBadPageSize       = errors.New("unsupported page size")
	ErrDifferentNUMANode = errors.New("memory is on a different NUMA node")
	ErrMaxRegions        = errors.New("too many memory regions")
)

// Lifecycle errors.
var (
	ErrNotInInit        = errors.New("enclave not in init state")
	ErrNoMemRegions     = errors.New("enclave has no memory regions")
	ErrMemTooSmall      = errors.New("enclave memory below minimum")
	ErrNoVcpus          = errors.New("enclave has no vcpus")
	ErrFullCoresNotUsed = errors.New("enclave cores are not fully used")
)

var (
	// ErrBackend wraps whatever the backend client or page source reported.
	ErrBackend = errors.New("backend error")
	// ErrNotFound is returned when no enclave is registered under an id.
	ErrNotFound = errors.New("enclave not found")
)

// Error categories.
const (
	KindPoolConfiguration  = "PoolConfiguration"
	KindAllocation         = "Allocation"
	KindMemoryRegistration = "MemoryRegistration"
	KindLifecycleViolation = "LifecycleViolation"
	KindBackend            = "Backend"
	KindNotFound           = "NotFound"
	KindUnknown            = "Unknown"
)

// Kind classifies err into one of the error categories.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBackend), errors.Is(err, cpupool.ErrHotplug):
		return KindBackend
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, cpupool.ErrInvalidSpec),
		errors.Is(err, cpupool.ErrCPUOffline),
		errors.Is(err, cpupool.ErrMixedNUMANodes),
		errors.Is(err, cpupool.ErrReservedCoreRequested),
		errors.Is(err, cpupool.ErrPartialCoreRequested),
		errors.Is(err, cpupool.ErrPoolBusy),
		errors.Is(err, cpupool.ErrNoPool):
		return KindPoolConfiguration
	case errors.Is(err, ErrNoCPUsAvailable),
		errors.Is(err, ErrNotInPool),
		errors.Is(err, ErrInvalidCore):
		return KindAllocation
	case errors.Is(err, ErrBadSize),
		errors.Is(err, ErrBadAddr),
		errors.Is(err, ErrNotHugePage),
		errors.Is(err, ErrBadPageSize),
		errors.Is(err, ErrDifferentNUMANode),
		errors.Is(err, ErrMaxRegions):
		return KindMemoryRegistration
	case errors.Is(err, ErrAlreadyUsed):
		// Shared by vCPU and memory paths; the message says which.
		return KindAllocation
	case errors.Is(err, ErrNotInInit),
		errors.Is(err, ErrNoMemRegions),
		errors.Is(err, ErrMemTooSmall),
		errors.Is(err, ErrNoVcpus),
		errors.Is(err, ErrFullCoresNotUsed):
		return KindLifecycleViolation
	}
	return KindUnknown
}
