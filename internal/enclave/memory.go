package enclave

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"enclave-manager/internal/backend"
	"enclave-manager/internal/database"
)

// run is a physically contiguous stretch of pinned pages reported to the
// backend as one memory region.
type run struct {
	physAddr uint64
	size     uint64
	pages    []backend.Chunk
}

// AddMemoryRegion pins the pages behind [userAddr, userAddr+size) and
// registers them with the backend.
//
// Validation failures and page failures release everything pinned by this
// call. If the backend rejects a region, the regions it already accepted stay
// committed to the enclave until teardown and no MemRegion is recorded.
func (m *Manager) AddMemoryRegion(ctx context.Context, e *Enclave, userAddr, size uint64) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	gran := m.cfg.Granularity
	if size == 0 || size%gran != 0 {
		return fmt.Errorf("%w: size %d, granularity %d", ErrBadSize, size, gran)
	}
	if userAddr%gran != 0 {
		return fmt.Errorf("%w: %#x is not %d aligned", ErrBadAddr, userAddr, gran)
	}
	if userAddr+size < userAddr {
		return fmt.Errorf("%w: range %#x+%d wraps", ErrBadAddr, userAddr, size)
	}
	if rv, ok := m.pages.(backend.RangeValidator); ok && !rv.ValidRange(userAddr, size) {
		return fmt.Errorf("%w: range %#x+%d is not mapped", ErrBadAddr, userAddr, size)
	}

	e.mu.Lock()
	if e.state != StateInit {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("%w: enclave %d is %s", ErrNotInInit, e.slot, state)
	}
	if err := e.overlapLocked(userAddr, size); err != nil {
		e.mu.Unlock()
		return err
	}
	numaNode := e.numaNode
	hwRegions := e.hwRegions
	maxRegions := e.maxRegions
	e.mu.Unlock()

	pages, err := m.acquirePages(ctx, userAddr, size, numaNode)
	if err != nil {
		return err
	}

	runs := contiguousRuns(pages)
	if maxRegions > 0 && hwRegions+len(runs) > maxRegions {
		m.releasePages(pages)
		return fmt.Errorf("%w: %d in use, %d needed, limit %d", ErrMaxRegions, hwRegions, len(runs), maxRegions)
	}

	for i, r := range runs {
		if err := m.client.AddMemory(ctx, e.slot, r.physAddr, r.size); err != nil {
			m.commitPartial(e, runs[:i])
			for _, rest := range runs[i:] {
				m.releasePages(rest.pages)
			}
			m.logger.WithFields(logrus.Fields{
				"enclave_id": e.slot,
				"user_addr":  userAddr,
				"size":       size,
				"committed":  i,
			}).WithError(err).Warn("Backend rejected memory region")
			return fmt.Errorf("%w: add memory %#x+%d: %w", ErrBackend, r.physAddr, r.size, err)
		}
	}

	e.mu.Lock()
	e.regions = append(e.regions, MemRegion{UserAddr: userAddr, Size: size, Chunks: pages})
	e.memSize += size
	e.hwRegions += len(runs)
	total := e.memSize
	e.mu.Unlock()

	m.audit.WithFields(logrus.Fields{
		"enclave_id": e.slot,
		"user_addr":  userAddr,
		"size":       size,
		"regions":    len(runs),
		"mem_size":   total,
	}).Info("Memory region added")
	m.record(database.EventMemoryAdded, e.slot, map[string]interface{}{
		"size":    int64(size),
		"regions": len(runs),
	})
	return nil
}

// overlapLocked rejects ranges that intersect a registered region or pages
// left committed by an earlier partial registration.
func (e *Enclave) overlapLocked(userAddr, size uint64) error {
	end := userAddr + size
	for _, r := range e.regions {
		if userAddr < r.end() && r.UserAddr < end {
			return fmt.Errorf("%w: range %#x+%d overlaps region %#x+%d", ErrAlreadyUsed, userAddr, size, r.UserAddr, r.Size)
		}
	}
	for _, c := range e.committed {
		if userAddr < c.UserAddr+c.Size && c.UserAddr < end {
			return fmt.Errorf("%w: range %#x+%d overlaps committed memory at %#x", ErrAlreadyUsed, userAddr, size, c.UserAddr)
		}
	}
	return nil
}

// acquirePages pins the range one page at a time, stopping at the first
// failure and releasing what it already pinned.
func (m *Manager) acquirePages(ctx context.Context, userAddr, size uint64, numaNode int) ([]backend.Chunk, error) {
	gran := m.cfg.Granularity
	var pages []backend.Chunk
	fail := func(err error) ([]backend.Chunk, error) {
		m.releasePages(pages)
		return nil, err
	}

	for addr, end := userAddr, userAddr+size; addr < end; {
		chunk, err := m.pages.AcquirePage(ctx, addr)
		if err != nil {
			return fail(fmt.Errorf("%w: pin %#x: %w", ErrBackend, addr, err))
		}
		pages = append(pages, chunk)

		switch {
		case !chunk.HugePage:
			return fail(fmt.Errorf("%w: %#x", ErrNotHugePage, addr))
		case chunk.Size == 0 || chunk.Size%gran != 0:
			return fail(fmt.Errorf("%w: page at %#x is %d bytes", ErrBadPageSize, addr, chunk.Size))
		case chunk.Size > end-addr:
			return fail(fmt.Errorf("%w: page at %#x extends past the region", ErrBadPageSize, addr))
		case chunk.NUMANode != numaNode:
			return fail(fmt.Errorf("%w: page at %#x is on node %d, enclave on node %d", ErrDifferentNUMANode, addr, chunk.NUMANode, numaNode))
		}
		addr += chunk.Size
	}
	return pages, nil
}

func (m *Manager) releasePages(pages []backend.Chunk) {
	for _, p := range pages {
		m.pages.ReleasePage(p)
	}
}

func (m *Manager) commitPartial(e *Enclave, runs []run) {
	if len(runs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range runs {
		e.committed = append(e.committed, r.pages...)
		e.memSize += r.size
	}
	e.hwRegions += len(runs)
}

// contiguousRuns merges pages whose physical addresses follow each other.
func contiguousRuns(pages []backend.Chunk) []run {
	var runs []run
	for _, p := range pages {
		if n := len(runs); n > 0 && runs[n-1].physAddr+runs[n-1].size == p.PhysAddr {
			runs[n-1].size += p.Size
			runs[n-1].pages = append(runs[n-1].pages, p)
			continue
		}
		runs = append(runs, run{physAddr: p.PhysAddr, size: p.Size, pages: []backend.Chunk{p}})
	}
	return runs
}
