package enclave

import (
	"sync"

	"k8s.io/utils/cpuset"

	"enclave-manager/internal/backend"
)

type State int

const (
	StateInit State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// MemRegion is a user memory range registered for an enclave together with
// the pinned chunks backing it.
type MemRegion struct {
	UserAddr uint64
	Size     uint64
	Chunks   []backend.Chunk
}

func (r MemRegion) end() uint64 {
	return r.UserAddr + r.Size
}

// Enclave holds the resources claimed by one enclave.
//
// opMu serializes mutating operations, including the backend calls they make.
// mu guards the fields below and is never held across a backend call.
type Enclave struct {
	slot uint64

	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	enclaveID  uint64
	vcpus      cpuset.CPUSet
	cores      []cpuset.CPUSet
	regions    []MemRegion
	committed  []backend.Chunk
	memSize    uint64
	hwRegions  int
	maxRegions int

	numaNode       int
	coreCount      int
	threadsPerCore int
}

func newEnclave(slot uint64, numaNode, coreCount, threadsPerCore, maxRegions int) *Enclave {
	cores := make([]cpuset.CPUSet, coreCount)
	for i := range cores {
		cores[i] = cpuset.New()
	}
	return &Enclave{
		slot:           slot,
		state:          StateInit,
		vcpus:          cpuset.New(),
		cores:          cores,
		maxRegions:     maxRegions,
		numaNode:       numaNode,
		coreCount:      coreCount,
		threadsPerCore: threadsPerCore,
	}
}

// coreIndexLocked returns the core whose claim holds cpu, or -1.
func (e *Enclave) coreIndexLocked(cpu int) int {
	for core, cpus := range e.cores {
		if cpus.Contains(cpu) {
			return core
		}
	}
	return -1
}

// ID returns the backend slot identifying the enclave.
func (e *Enclave) ID() uint64 {
	return e.slot
}

func (e *Enclave) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// VCPUs returns the CPUs bound to the enclave.
func (e *Enclave) VCPUs() cpuset.CPUSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vcpus.Clone()
}

// ClaimedCPUs returns the CPUs claimed on core, bound or not.
func (e *Enclave) ClaimedCPUs(core int) cpuset.CPUSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	if core < 0 || core >= len(e.cores) {
		return cpuset.New()
	}
	return e.cores[core].Clone()
}

func (e *Enclave) MemSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memSize
}

// Regions returns a copy of the registered memory regions.
func (e *Enclave) Regions() []MemRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MemRegion, len(e.regions))
	for i, r := range e.regions {
		out[i] = MemRegion{
			UserAddr: r.UserAddr,
			Size:     r.Size,
			Chunks:   append([]backend.Chunk(nil), r.Chunks...),
		}
	}
	return out
}

// Info is a point-in-time description of an enclave.
type Info struct {
	ID             uint64       `json:"id"`
	EnclaveID      uint64       `json:"enclave_id,omitempty"`
	State          string       `json:"state"`
	NUMANode       int          `json:"numa_node"`
	ThreadsPerCore int          `json:"threads_per_core"`
	VCPUs          string       `json:"vcpus"`
	ClaimedCores   []CoreClaim  `json:"claimed_cores,omitempty"`
	Regions        []RegionInfo `json:"regions,omitempty"`
	MemSize        uint64       `json:"mem_size"`
	MaxRegions     int          `json:"max_regions"`
}

type CoreClaim struct {
	Core int    `json:"core"`
	CPUs string `json:"cpus"`
}

type RegionInfo struct {
	UserAddr uint64 `json:"user_addr"`
	Size     uint64 `json:"size"`
	Chunks   int    `json:"chunks"`
}

func (e *Enclave) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := Info{
		ID:             e.slot,
		EnclaveID:      e.enclaveID,
		State:          e.state.String(),
		NUMANode:       e.numaNode,
		ThreadsPerCore: e.threadsPerCore,
		VCPUs:          e.vcpus.String(),
		MemSize:        e.memSize,
		MaxRegions:     e.maxRegions,
	}
	for core, cpus := range e.cores {
		if cpus.IsEmpty() {
			continue
		}
		info.ClaimedCores = append(info.ClaimedCores, CoreClaim{Core: core, CPUs: cpus.String()})
	}
	for _, r := range e.regions {
		info.Regions = append(info.Regions, RegionInfo{UserAddr: r.UserAddr, Size: r.Size, Chunks: len(r.Chunks)})
	}
	return info
}
