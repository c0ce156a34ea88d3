package enclave

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/database"
)

// AssignVcpu picks a CPU for e without binding it.
//
// With requested nil, an unbound sibling of a core already claimed by e is
// preferred; only when every claimed core is fully bound is a new core drawn
// from the pool. With requested set, that exact CPU is claimed. The caller
// binds the CPU with CommitVcpu once the backend accepted it, or gives the
// claim back with ReleaseVcpuClaim.
func (m *Manager) AssignVcpu(e *Enclave, requested *int) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInit {
		return 0, fmt.Errorf("%w: enclave %d is %s", ErrNotInInit, e.slot, e.state)
	}
	if requested == nil {
		return m.assignAutoLocked(e)
	}
	return m.assignExplicitLocked(e, *requested)
}

func (m *Manager) assignAutoLocked(e *Enclave) (int, error) {
	for _, cpus := range e.cores {
		if unbound := cpus.Difference(e.vcpus); !unbound.IsEmpty() {
			return unbound.List()[0], nil
		}
	}

	for {
		core, ok := m.pool.FindFreeCore()
		if !ok || core >= e.coreCount {
			return 0, ErrNoCPUsAvailable
		}
		claimed, err := m.pool.ClaimCore(core)
		if errors.Is(err, cpupool.ErrCoreNotFree) {
			// Another enclave took it between the scan and the claim.
			continue
		}
		if err != nil {
			return 0, err
		}
		e.cores[core] = e.cores[core].Union(claimed)
		m.logger.WithFields(logrus.Fields{
			"enclave_id": e.slot,
			"core":       core,
			"cpus":       claimed.String(),
		}).Debug("Enclave claimed core")
		return claimed.List()[0], nil
	}
}

func (m *Manager) assignExplicitLocked(e *Enclave, cpu int) (int, error) {
	if e.vcpus.Contains(cpu) {
		return 0, fmt.Errorf("%w: cpu %d already bound to enclave %d", ErrAlreadyUsed, cpu, e.slot)
	}
	for _, cpus := range e.cores {
		if cpus.Contains(cpu) {
			return cpu, nil
		}
	}

	core, ok := m.pool.FindCoreOwning(cpu)
	if !ok {
		return 0, fmt.Errorf("%w: cpu %d", ErrNotInPool, cpu)
	}
	if core >= e.coreCount {
		return 0, fmt.Errorf("%w: core %d of cpu %d", ErrInvalidCore, core, cpu)
	}
	claimed, err := m.pool.ClaimCore(core)
	if err != nil {
		return 0, fmt.Errorf("%w: cpu %d: %w", ErrNotInPool, cpu, err)
	}
	e.cores[core] = e.cores[core].Union(claimed)
	m.logger.WithFields(logrus.Fields{
		"enclave_id": e.slot,
		"core":       core,
		"cpus":       claimed.String(),
	}).Debug("Enclave claimed core")
	return cpu, nil
}

// CommitVcpu binds cpu to e after the backend accepted it.
func (m *Manager) CommitVcpu(e *Enclave, cpu int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.coreIndexLocked(cpu) < 0 {
		return fmt.Errorf("%w: cpu %d is not claimed by enclave %d", ErrNotInPool, cpu, e.slot)
	}
	if e.vcpus.Contains(cpu) {
		return fmt.Errorf("%w: cpu %d already bound to enclave %d", ErrAlreadyUsed, cpu, e.slot)
	}
	e.vcpus = e.vcpus.Union(cpuset.New(cpu))
	return nil
}

// ReleaseVcpuClaim undoes an AssignVcpu whose CPU was never bound. The core
// goes back to the pool only if none of its CPUs are bound to e.
func (m *Manager) ReleaseVcpuClaim(e *Enclave, cpu int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	core := e.coreIndexLocked(cpu)
	if core < 0 || e.vcpus.Contains(cpu) {
		return
	}
	if !e.cores[core].Intersection(e.vcpus).IsEmpty() {
		return
	}
	cpus := e.cores[core]
	e.cores[core] = cpuset.New()
	m.pool.ReturnCore(core, cpus)
	m.logger.WithFields(logrus.Fields{
		"enclave_id": e.slot,
		"core":       core,
		"cpus":       cpus.String(),
	}).Debug("Returned unbound core claim")
}

// AddVcpu assigns a CPU, reports it to the backend and binds it. A backend
// failure leaves no new claim behind.
func (m *Manager) AddVcpu(ctx context.Context, e *Enclave, requested *int) (int, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	cpu, err := m.AssignVcpu(e, requested)
	if err != nil {
		return 0, err
	}

	if err := m.client.AddVcpu(ctx, e.slot, cpu); err != nil {
		m.ReleaseVcpuClaim(e, cpu)
		m.logger.WithFields(logrus.Fields{
			"enclave_id": e.slot,
			"cpu":        cpu,
		}).WithError(err).Warn("Backend rejected vCPU")
		return 0, fmt.Errorf("%w: add vcpu %d: %w", ErrBackend, cpu, err)
	}

	if err := m.CommitVcpu(e, cpu); err != nil {
		return 0, err
	}

	m.audit.WithFields(logrus.Fields{
		"enclave_id": e.slot,
		"cpu":        cpu,
	}).Info("vCPU added")
	m.record(database.EventVcpuAdded, e.slot, map[string]interface{}{"cpu": cpu})
	return cpu, nil
}
