// Package backend defines what the enclave manager consumes from the
// hypervisor-like backend and from the host page allocator.
package backend

import (
	"context"
	"fmt"
)

// Client issues slot, vCPU, memory and start/stop requests to the backend.
// Every call is a single request/response; callers never retry implicitly.
type Client interface {
	AllocateSlot(ctx context.Context) (uint64, error)
	AddVcpu(ctx context.Context, slot uint64, cpu int) error
	AddMemory(ctx context.Context, slot uint64, physAddr, size uint64) error
	Start(ctx context.Context, slot uint64, requestedID uint64, flags uint64) (uint64, error)
	Stop(ctx context.Context, slot uint64) error
	ReleaseSlot(ctx context.Context, slot uint64) error
}

// RegionLimiter is implemented by clients that report how many memory
// regions a slot accepts.
type RegionLimiter interface {
	MaxMemRegions(slot uint64) int
}

// Chunk is a pinned, physically contiguous piece of enclave memory.
type Chunk struct {
	UserAddr uint64
	PhysAddr uint64
	Size     uint64
	NUMANode int
	HugePage bool
}

func (c Chunk) String() string {
	return fmt.Sprintf("user=%#x phys=%#x size=%d node=%d huge=%t", c.UserAddr, c.PhysAddr, c.Size, c.NUMANode, c.HugePage)
}

// PageSource pins the pages backing a user address and releases them again.
type PageSource interface {
	AcquirePage(ctx context.Context, userAddr uint64) (Chunk, error)
	ReleasePage(chunk Chunk)
}

// RangeValidator is implemented by page sources that can tell whether a
// user range is mapped and readable before any page is pinned.
type RangeValidator interface {
	ValidRange(userAddr, size uint64) bool
}
