package host

import (
	"fmt"
	"sync"

	"k8s.io/utils/cpuset"
)

// Synthetic is an in-memory TopologyBackend with a Linux-style CPU
// numbering: thread t of core c is CPU t*cores+c, so CPU 0 and CPU cores are
// siblings. It is used for dry runs and tests.
type Synthetic struct {
	cores          int
	threadsPerCore int
	nodes          int

	mu          sync.Mutex
	offline     map[int]bool
	failOffline map[int]error
	failOnline  map[int]error
}

// NewSynthetic describes a host with the given number of cores and threads
// per core, spread over nodes NUMA nodes in contiguous blocks of cores.
func NewSynthetic(cores, threadsPerCore, nodes int) (*Synthetic, error) {
	if cores <= 0 || threadsPerCore <= 0 {
		return nil, fmt.Errorf("invalid synthetic topology: %d cores, %d threads per core", cores, threadsPerCore)
	}
	if nodes <= 0 {
		nodes = 1
	}
	if nodes > cores {
		return nil, fmt.Errorf("invalid synthetic topology: %d nodes for %d cores", nodes, cores)
	}
	return &Synthetic{
		cores:          cores,
		threadsPerCore: threadsPerCore,
		nodes:          nodes,
		offline:        make(map[int]bool),
		failOffline:    make(map[int]error),
		failOnline:     make(map[int]error),
	}, nil
}

func (s *Synthetic) valid(cpu int) error {
	if cpu < 0 || cpu >= s.cores*s.threadsPerCore {
		return fmt.Errorf("cpu %d not present", cpu)
	}
	return nil
}

// CPUs returns every CPU of the synthetic host.
func (s *Synthetic) CPUs() cpuset.CPUSet {
	ids := make([]int, 0, s.cores*s.threadsPerCore)
	for cpu := 0; cpu < s.cores*s.threadsPerCore; cpu++ {
		ids = append(ids, cpu)
	}
	return cpuset.New(ids...)
}

// Topology discovers the CoreTopology of the synthetic host.
func (s *Synthetic) Topology() (*CoreTopology, error) {
	return Discover(s, s.CPUs())
}

func (s *Synthetic) SiblingsOf(cpu int) (cpuset.CPUSet, error) {
	if err := s.valid(cpu); err != nil {
		return cpuset.New(), err
	}
	core := cpu % s.cores
	ids := make([]int, 0, s.threadsPerCore)
	for t := 0; t < s.threadsPerCore; t++ {
		ids = append(ids, t*s.cores+core)
	}
	return cpuset.New(ids...), nil
}

func (s *Synthetic) NodeOf(cpu int) (int, error) {
	if err := s.valid(cpu); err != nil {
		return 0, err
	}
	core := cpu % s.cores
	return core * s.nodes / s.cores, nil
}

func (s *Synthetic) IsOnline(cpu int) (bool, error) {
	if err := s.valid(cpu); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.offline[cpu], nil
}

func (s *Synthetic) Online(cpu int) error {
	if err := s.valid(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOnline[cpu]; err != nil {
		return err
	}
	delete(s.offline, cpu)
	return nil
}

func (s *Synthetic) Offline(cpu int) error {
	if err := s.valid(cpu); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOffline[cpu]; err != nil {
		return err
	}
	s.offline[cpu] = true
	return nil
}

// OfflineCPUs returns the CPUs currently marked offline.
func (s *Synthetic) OfflineCPUs() cpuset.CPUSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.offline))
	for cpu := range s.offline {
		ids = append(ids, cpu)
	}
	return cpuset.New(ids...)
}

// FailOffline makes subsequent Offline calls for cpu return err.
func (s *Synthetic) FailOffline(cpu int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOffline[cpu] = err
}

// FailOnline makes subsequent Online calls for cpu return err.
func (s *Synthetic) FailOnline(cpu int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOnline[cpu] = err
}
