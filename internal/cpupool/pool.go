package cpupool

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/host"
	"enclave-manager/internal/logging"
)

// Pool is the process-wide set of whole cores set aside for enclaves.
//
// Availability is tracked per core index of the host topology. A core's
// entry is either empty (lent to an enclave or never admitted) or holds every
// sibling of that core; partial lending is recorded by the borrowing enclave.
type Pool struct {
	topo    *host.CoreTopology
	backend host.TopologyBackend
	logger  logrus.FieldLogger
	audit   logrus.FieldLogger

	mu         sync.Mutex
	configured bool
	members    cpuset.CPUSet
	numaNode   int
	admitted   []cpuset.CPUSet
	available  []cpuset.CPUSet
	leases     int
}

// Snapshot is the pool geometry an enclave copies at creation time.
type Snapshot struct {
	NUMANode       int
	CoreCount      int
	ThreadsPerCore int
}

// CoreState is the availability of a single admitted core.
type CoreState struct {
	Core      int    `json:"core"`
	Admitted  string `json:"admitted"`
	Available string `json:"available"`
}

// Info summarizes the pool for diagnostics.
type Info struct {
	Configured bool        `json:"configured"`
	NUMANode   int         `json:"numa_node"`
	CPUs       string      `json:"cpus"`
	FreeCores  int         `json:"free_cores"`
	LentCores  int         `json:"lent_cores"`
	Enclaves   int         `json:"enclaves"`
	Cores      []CoreState `json:"cores,omitempty"`
}

func New(topo *host.CoreTopology, backend host.TopologyBackend, logger logrus.FieldLogger) (*Pool, error) {
	if topo == nil {
		return nil, fmt.Errorf("core topology is nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("topology backend is nil")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Pool{
		topo:    topo,
		backend: backend,
		logger:  logger,
		audit:   logging.GetAuditLogger(),
		members: cpuset.New(),
	}, nil
}

// Topology returns the host topology the pool validates against.
func (p *Pool) Topology() *host.CoreTopology {
	return p.topo
}

// Validate runs the SetPool checks for the cpu list spec without touching host state.
func (p *Pool) Validate(spec string) (cpuset.CPUSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, _, err := p.validateLocked(spec)
	return set, err
}

// SetPool replaces the pool with the cores in spec. Nothing changes unless
// every check passes and every newly pooled CPU could be taken offline.
func (p *Pool) SetPool(spec string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.leases > 0 {
		return fmt.Errorf("%w: %d enclave(s) attached", ErrPoolBusy, p.leases)
	}

	set, node, err := p.validateLocked(spec)
	if err != nil {
		return err
	}

	toOffline := set.Difference(p.members)
	toOnline := p.members.Difference(set)

	done := make([]int, 0, toOffline.Size())
	for _, cpu := range toOffline.List() {
		if err := p.backend.Offline(cpu); err != nil {
			p.rollbackOfflineLocked(done)
			return fmt.Errorf("%w: offline cpu %d: %w", ErrHotplug, cpu, err)
		}
		done = append(done, cpu)
	}
	for _, cpu := range toOnline.List() {
		if err := p.backend.Online(cpu); err != nil {
			p.logger.WithField("cpu", cpu).WithError(err).Warn("Failed to online CPU dropped from pool")
		}
	}

	coreCount := p.topo.CoreCount()
	p.admitted = make([]cpuset.CPUSet, coreCount)
	p.available = make([]cpuset.CPUSet, coreCount)
	for i := range p.admitted {
		p.admitted[i] = cpuset.New()
		p.available[i] = cpuset.New()
	}
	for _, cpu := range set.List() {
		core, _ := p.topo.CoreOf(cpu)
		p.admitted[core] = p.admitted[core].Union(cpuset.New(cpu))
	}
	for i := range p.admitted {
		p.available[i] = p.admitted[i].Clone()
	}
	p.members = set
	p.numaNode = node
	p.configured = true

	p.audit.WithFields(logrus.Fields{
		"cpus":      set.String(),
		"numa_node": node,
		"cores":     set.Size() / p.topo.ThreadsPerCore,
	}).Info("CPU pool configured")
	return nil
}

func (p *Pool) rollbackOfflineLocked(cpus []int) {
	for i := len(cpus) - 1; i >= 0; i-- {
		if err := p.backend.Online(cpus[i]); err != nil {
			p.logger.WithField("cpu", cpus[i]).WithError(err).Error("Failed to re-online CPU during pool rollback")
		}
	}
}

func (p *Pool) validateLocked(spec string) (cpuset.CPUSet, int, error) {
	set, err := cpuset.Parse(strings.TrimSpace(spec))
	if err != nil {
		return cpuset.New(), 0, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	if set.IsEmpty() {
		return cpuset.New(), 0, fmt.Errorf("%w: %q is empty", ErrInvalidSpec, spec)
	}

	for _, cpu := range set.List() {
		if !p.topo.Contains(cpu) {
			return cpuset.New(), 0, fmt.Errorf("%w: cpu %d is not present", ErrCPUOffline, cpu)
		}
		// CPUs already in the pool are offline because we took them.
		if p.members.Contains(cpu) {
			continue
		}
		online, err := p.backend.IsOnline(cpu)
		if err != nil {
			return cpuset.New(), 0, fmt.Errorf("%w: cpu %d: %v", ErrCPUOffline, cpu, err)
		}
		if !online {
			return cpuset.New(), 0, fmt.Errorf("%w: cpu %d", ErrCPUOffline, cpu)
		}
	}

	node := -1
	for _, cpu := range set.List() {
		cpuNode, _ := p.topo.NodeOf(cpu)
		if node == -1 {
			node = cpuNode
			continue
		}
		if cpuNode != node {
			return cpuset.New(), 0, fmt.Errorf("%w: cpu %d is on node %d, expected %d", ErrMixedNUMANodes, cpu, cpuNode, node)
		}
	}

	reserved := cpuset.New(0)
	if siblings, ok := p.topo.SiblingsOf(0); ok {
		reserved = reserved.Union(siblings)
	}
	if clash := set.Intersection(reserved); !clash.IsEmpty() {
		return cpuset.New(), 0, fmt.Errorf("%w: %s", ErrReservedCoreRequested, clash.String())
	}

	for _, cpu := range set.List() {
		siblings, _ := p.topo.SiblingsOf(cpu)
		if !siblings.IsSubsetOf(set) {
			return cpuset.New(), 0, fmt.Errorf("%w: cpu %d needs siblings %s", ErrPartialCoreRequested, cpu, siblings.Difference(set).String())
		}
	}

	return set, node, nil
}

// TeardownPool brings every pooled CPU, free or lent, back online and clears
// the pool. It is a no-op when no pool is configured.
func (p *Pool) TeardownPool() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

// TryTeardown tears the pool down unless an enclave is attached to it.
func (p *Pool) TryTeardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases > 0 {
		return fmt.Errorf("%w: %d enclave(s) attached", ErrPoolBusy, p.leases)
	}
	p.teardownLocked()
	return nil
}

func (p *Pool) teardownLocked() {
	if !p.configured {
		return
	}
	for _, cpu := range p.members.List() {
		if err := p.backend.Online(cpu); err != nil {
			p.logger.WithField("cpu", cpu).WithError(err).Warn("Failed to online CPU during pool teardown")
		}
	}
	p.audit.WithFields(logrus.Fields{
		"cpus":   p.members.String(),
		"leases": p.leases,
	}).Info("CPU pool torn down")

	p.configured = false
	p.members = cpuset.New()
	p.admitted = nil
	p.available = nil
	p.numaNode = 0
}

// Attach registers a new enclave against the pool and returns the geometry
// it must keep for its lifetime. While any enclave is attached the pool
// cannot be reconfigured.
func (p *Pool) Attach() (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.configured {
		return Snapshot{}, ErrNoPool
	}
	p.leases++
	return Snapshot{
		NUMANode:       p.numaNode,
		CoreCount:      p.topo.CoreCount(),
		ThreadsPerCore: p.topo.ThreadsPerCore,
	}, nil
}

// Detach undoes Attach.
func (p *Pool) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leases > 0 {
		p.leases--
	}
}

// FindFreeCore returns the lowest core index that is fully available.
func (p *Pool) FindFreeCore() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for core, cpus := range p.available {
		if !cpus.IsEmpty() {
			return core, true
		}
	}
	return 0, false
}

// ClaimCore moves the full sibling set of core out of the pool.
func (p *Pool) ClaimCore(core int) (cpuset.CPUSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if core < 0 || core >= len(p.available) {
		return cpuset.New(), fmt.Errorf("%w: core %d out of range", ErrCoreNotFree, core)
	}
	cpus := p.available[core]
	if cpus.IsEmpty() {
		return cpuset.New(), fmt.Errorf("%w: core %d", ErrCoreNotFree, core)
	}
	p.available[core] = cpuset.New()
	p.logger.WithFields(logrus.Fields{
		"core": core,
		"cpus": cpus.String(),
	}).Debug("Claimed core from pool")
	return cpus, nil
}

// FindCoreOwning returns the core whose available set currently holds cpu.
func (p *Pool) FindCoreOwning(cpu int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	core, ok := p.topo.CoreOf(cpu)
	if !ok || core >= len(p.available) {
		return 0, false
	}
	if !p.available[core].Contains(cpu) {
		return 0, false
	}
	return core, true
}

// ReturnCore puts cpus back into core's available set. CPUs that were never
// admitted for that core are ignored.
func (p *Pool) ReturnCore(core int, cpus cpuset.CPUSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if core < 0 || core >= len(p.available) {
		p.logger.WithFields(logrus.Fields{
			"core": core,
			"cpus": cpus.String(),
		}).Warn("Dropping CPUs returned for a core outside the pool")
		return
	}
	back := cpus.Intersection(p.admitted[core])
	if stray := cpus.Difference(back); !stray.IsEmpty() {
		p.logger.WithFields(logrus.Fields{
			"core": core,
			"cpus": stray.String(),
		}).Warn("Ignoring returned CPUs that were never pooled")
	}
	p.available[core] = p.available[core].Union(back)
	p.logger.WithFields(logrus.Fields{
		"core": core,
		"cpus": back.String(),
	}).Debug("Returned core to pool")
}

// Available returns a copy of core's current availability.
func (p *Pool) Available(core int) cpuset.CPUSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if core < 0 || core >= len(p.available) {
		return cpuset.New()
	}
	return p.available[core].Clone()
}

// Admitted returns the sibling set admitted for core when the pool was set.
func (p *Pool) Admitted(core int) cpuset.CPUSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if core < 0 || core >= len(p.admitted) {
		return cpuset.New()
	}
	return p.admitted[core].Clone()
}

func (p *Pool) Configured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}

func (p *Pool) NUMANode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numaNode
}

// FreeCores returns how many cores are currently available for lending.
func (p *Pool) FreeCores() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, cpus := range p.available {
		if !cpus.IsEmpty() {
			n++
		}
	}
	return n
}

func (p *Pool) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := Info{
		Configured: p.configured,
		NUMANode:   p.numaNode,
		CPUs:       p.members.String(),
		Enclaves:   p.leases,
	}
	for core := range p.admitted {
		if p.admitted[core].IsEmpty() {
			continue
		}
		if p.available[core].IsEmpty() {
			info.LentCores++
		} else {
			info.FreeCores++
		}
		info.Cores = append(info.Cores, CoreState{
			Core:      core,
			Admitted:  p.admitted[core].String(),
			Available: p.available[core].String(),
		})
	}
	return info
}
