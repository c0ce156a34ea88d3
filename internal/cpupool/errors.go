package cpupool

import "errors"

// Pool configuration errors. Returned errors wrap one of these and can be
// matched with errors.Is.
var (
	ErrInvalidSpec           = errors.New("invalid cpu list")
	ErrCPUOffline            = errors.New("cpu offline")
	ErrMixedNUMANodes        = errors.New("cpus span multiple NUMA nodes")
	ErrReservedCoreRequested = errors.New("cpu 0 core is reserved")
	ErrPartialCoreRequested  = errors.New("partial core requested")
	ErrPoolBusy              = errors.New("cpu pool in use by enclaves")
	ErrNoPool                = errors.New("cpu pool not configured")
)

// Allocation and hotplug errors.
var (
	// ErrCoreNotFree is returned by ClaimCore when the core has already been
	// lent out, typically because another claim won a race.
	ErrCoreNotFree = errors.New("core not free")
	// ErrHotplug wraps a failure reported by the topology backend.
	ErrHotplug = errors.New("cpu hotplug failed")
)
