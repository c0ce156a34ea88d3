package enclave

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/backend"
	"enclave-manager/internal/database"
)

// Start validates e and asks the backend to run it. On success the enclave
// is Running and carries the identifier the backend assigned.
func (m *Manager) Start(ctx context.Context, e *Enclave, requestedID, flags uint64) (uint64, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := m.checkStartable(e); err != nil {
		return 0, err
	}

	id, err := m.client.Start(ctx, e.slot, requestedID, flags)
	if err != nil {
		m.logger.WithField("enclave_id", e.slot).WithError(err).Warn("Backend failed to start enclave")
		return 0, fmt.Errorf("%w: start: %w", ErrBackend, err)
	}

	e.mu.Lock()
	e.state = StateRunning
	if id != 0 {
		e.enclaveID = id
	} else {
		e.enclaveID = requestedID
	}
	vcpus := e.vcpus.String()
	memSize := e.memSize
	assigned := e.enclaveID
	e.mu.Unlock()

	m.audit.WithFields(logrus.Fields{
		"enclave_id":  e.slot,
		"enclave_cid": assigned,
		"vcpus":       vcpus,
		"mem_size":    memSize,
	}).Info("Enclave started")
	m.record(database.EventEnclaveStarted, e.slot, map[string]interface{}{
		"enclave_cid": int64(assigned),
		"mem_size":    int64(memSize),
	})
	return assigned, nil
}

func (m *Manager) checkStartable(e *Enclave) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInit {
		return fmt.Errorf("%w: enclave %d is %s", ErrNotInInit, e.slot, e.state)
	}
	if len(e.regions) == 0 {
		return fmt.Errorf("%w: enclave %d", ErrNoMemRegions, e.slot)
	}
	if e.memSize < m.cfg.MinMemory {
		return fmt.Errorf("%w: %d bytes, need %d", ErrMemTooSmall, e.memSize, m.cfg.MinMemory)
	}
	if e.vcpus.IsEmpty() {
		return fmt.Errorf("%w: enclave %d", ErrNoVcpus, e.slot)
	}
	for core, cpus := range e.cores {
		if unbound := cpus.Difference(e.vcpus); !unbound.IsEmpty() {
			return fmt.Errorf("%w: core %d has unbound cpus %s", ErrFullCoresNotUsed, core, unbound.String())
		}
	}
	return nil
}

// Teardown stops e, releases its slot, unpins its memory and gives its cores
// back to the pool. The enclave is removed from the registry. Calling it on
// an enclave that is already stopped does nothing.
func (m *Manager) Teardown(ctx context.Context, e *Enclave) {
	m.unregister(e)

	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.mu.Unlock()

	logger := m.logger.WithField("enclave_id", e.slot)
	if err := m.client.Stop(ctx, e.slot); err != nil {
		logger.WithError(err).Warn("Backend failed to stop enclave")
	}
	if err := m.client.ReleaseSlot(ctx, e.slot); err != nil {
		logger.WithError(err).Warn("Backend failed to release slot")
	}

	e.mu.Lock()
	var pages []backend.Chunk
	for _, r := range e.regions {
		pages = append(pages, r.Chunks...)
	}
	pages = append(pages, e.committed...)
	e.regions = nil
	e.committed = nil
	e.memSize = 0
	e.hwRegions = 0

	returned := 0
	for core, cpus := range e.cores {
		if cpus.IsEmpty() {
			continue
		}
		m.pool.ReturnCore(core, cpus)
		e.cores[core] = cpuset.New()
		returned++
	}
	e.vcpus = cpuset.New()
	e.state = StateStopped
	e.mu.Unlock()

	m.releasePages(pages)
	m.pool.Detach()

	m.audit.WithFields(logrus.Fields{
		"enclave_id": e.slot,
		"from":       prev.String(),
		"cores":      returned,
		"pages":      len(pages),
	}).Info("Enclave torn down")
	m.record(database.EventEnclaveTeardown, e.slot, map[string]interface{}{
		"cores": returned,
	})
}
