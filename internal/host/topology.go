package host

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/cpuset"

	"enclave-manager/internal/logging"
)

// TopologyBackend is the host-side view of CPU hotplug and topology.
type TopologyBackend interface {
	// Online re-admits cpu into the general scheduler-visible set.
	Online(cpu int) error
	// Offline removes cpu from the general scheduler-visible set.
	Offline(cpu int) error
	// IsOnline reports whether cpu is currently online.
	IsOnline(cpu int) (bool, error)
	// SiblingsOf returns the hardware threads sharing cpu's core, cpu included.
	SiblingsOf(cpu int) (cpuset.CPUSet, error)
	// NodeOf returns the NUMA node cpu belongs to.
	NodeOf(cpu int) (int, error)
}

// CoreInfo describes one physical core.
type CoreInfo struct {
	Index    int
	Siblings cpuset.CPUSet
	Node     int
}

// CoreTopology is the static description of the machine's cores. It is built
// once at startup and never mutated afterwards.
type CoreTopology struct {
	ThreadsPerCore int
	Cores          []CoreInfo

	coreOf map[int]int
}

// CoreCount returns the number of cores known to the topology.
func (t *CoreTopology) CoreCount() int {
	return len(t.Cores)
}

// CoreOf returns the core index owning cpu.
func (t *CoreTopology) CoreOf(cpu int) (int, bool) {
	idx, ok := t.coreOf[cpu]
	return idx, ok
}

// SiblingsOf returns the full sibling set of cpu's core.
func (t *CoreTopology) SiblingsOf(cpu int) (cpuset.CPUSet, bool) {
	idx, ok := t.coreOf[cpu]
	if !ok {
		return cpuset.New(), false
	}
	return t.Cores[idx].Siblings, true
}

// NodeOf returns the NUMA node of cpu.
func (t *CoreTopology) NodeOf(cpu int) (int, bool) {
	idx, ok := t.coreOf[cpu]
	if !ok {
		return 0, false
	}
	return t.Cores[idx].Node, true
}

// Contains reports whether cpu was discovered.
func (t *CoreTopology) Contains(cpu int) bool {
	_, ok := t.coreOf[cpu]
	return ok
}

// CPUs returns every CPU of the topology.
func (t *CoreTopology) CPUs() cpuset.CPUSet {
	out := cpuset.New()
	for _, c := range t.Cores {
		out = out.Union(c.Siblings)
	}
	return out
}

// Discover builds a CoreTopology for cpus by asking backend for sibling and
// NUMA information. Cores get dense indices ordered by their lowest CPU id.
func Discover(backend TopologyBackend, cpus cpuset.CPUSet) (*CoreTopology, error) {
	if backend == nil {
		return nil, fmt.Errorf("topology backend is nil")
	}
	if cpus.IsEmpty() {
		return nil, fmt.Errorf("no CPUs to discover")
	}
	logger := logging.GetLogger()

	seen := cpuset.New()
	var cores []CoreInfo
	for _, cpu := range cpus.List() {
		if seen.Contains(cpu) {
			continue
		}
		siblings, err := backend.SiblingsOf(cpu)
		if err != nil {
			return nil, fmt.Errorf("failed to read siblings of cpu %d: %w", cpu, err)
		}
		if !siblings.Contains(cpu) {
			siblings = siblings.Union(cpuset.New(cpu))
		}
		node, err := backend.NodeOf(cpu)
		if err != nil {
			return nil, fmt.Errorf("failed to read NUMA node of cpu %d: %w", cpu, err)
		}
		for _, sib := range siblings.List() {
			if sib == cpu {
				continue
			}
			sibNode, err := backend.NodeOf(sib)
			if err != nil {
				return nil, fmt.Errorf("failed to read NUMA node of cpu %d: %w", sib, err)
			}
			if sibNode != node {
				return nil, fmt.Errorf("cpu %d is on node %d but its sibling %d is on node %d", cpu, node, sib, sibNode)
			}
		}
		seen = seen.Union(siblings)
		cores = append(cores, CoreInfo{Siblings: siblings, Node: node})
	}

	return newCoreTopology(cores, logger)
}

func newCoreTopology(cores []CoreInfo, logger logrus.FieldLogger) (*CoreTopology, error) {
	sort.Slice(cores, func(i, j int) bool {
		return cores[i].Siblings.List()[0] < cores[j].Siblings.List()[0]
	})

	topo := &CoreTopology{
		ThreadsPerCore: cores[0].Siblings.Size(),
		Cores:          cores,
		coreOf:         make(map[int]int),
	}
	for i := range topo.Cores {
		topo.Cores[i].Index = i
		if n := topo.Cores[i].Siblings.Size(); n != topo.ThreadsPerCore {
			return nil, fmt.Errorf("core %d has %d threads, expected %d", i, n, topo.ThreadsPerCore)
		}
		for _, cpu := range topo.Cores[i].Siblings.List() {
			if prev, dup := topo.coreOf[cpu]; dup {
				return nil, fmt.Errorf("cpu %d belongs to cores %d and %d", cpu, prev, i)
			}
			topo.coreOf[cpu] = i
		}
	}

	logger.WithFields(logrus.Fields{
		"cores":            topo.CoreCount(),
		"threads_per_core": topo.ThreadsPerCore,
	}).Debug("Discovered core topology")

	return topo, nil
}
