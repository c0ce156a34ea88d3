package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"enclave-manager/internal/logging"
)

const (
	OpAllocateSlot = "allocate_slot"
	OpAddVcpu      = "add_vcpu"
	OpAddMemory    = "add_memory"
	OpStart        = "start"
	OpStop         = "stop"
	OpReleaseSlot  = "release_slot"
)

// SimulatedSlot is the backend-side state of one slot.
type SimulatedSlot struct {
	VCPUs     []int
	Memory    []Chunk
	Running   bool
	EnclaveID uint64
	Flags     uint64
}

type injectedFailure struct {
	err   error
	after int
}

// Simulated is an in-memory Client. Failures can be injected per operation.
type Simulated struct {
	logger logrus.FieldLogger

	mu         sync.Mutex
	nextSlot   uint64
	nextID     uint64
	maxRegions int
	slots      map[uint64]*SimulatedSlot
	released   map[uint64]bool
	failures   map[string]*injectedFailure
	calls      map[string]int
}

func NewSimulated(maxRegions int) *Simulated {
	return &Simulated{
		logger:     logging.GetLogger(),
		nextSlot:   1,
		nextID:     16,
		maxRegions: maxRegions,
		slots:      make(map[uint64]*SimulatedSlot),
		released:   make(map[uint64]bool),
		failures:   make(map[string]*injectedFailure),
		calls:      make(map[string]int),
	}
}

// Fail makes op return err once it has succeeded after times. A nil err
// clears the injection.
func (s *Simulated) Fail(op string, err error, after int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = &injectedFailure{err: err, after: after}
}

// Calls returns how many times op was invoked.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Slot returns a copy of the backend state for slot.
func (s *Simulated) Slot(slot uint64) (SimulatedSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.slots[slot]
	if !ok {
		return SimulatedSlot{}, false
	}
	out := *st
	out.VCPUs = append([]int(nil), st.VCPUs...)
	out.Memory = append([]Chunk(nil), st.Memory...)
	return out, true
}

// Released reports whether slot was handed back.
func (s *Simulated) Released(slot uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released[slot]
}

func (s *Simulated) MaxMemRegions(uint64) int {
	return s.maxRegions
}

func (s *Simulated) enterLocked(op string) error {
	s.calls[op]++
	f, ok := s.failures[op]
	if !ok {
		return nil
	}
	if f.after > 0 {
		f.after--
		return nil
	}
	return f.err
}

func (s *Simulated) slotLocked(slot uint64) (*SimulatedSlot, error) {
	st, ok := s.slots[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d not allocated", slot)
	}
	return st, nil
}

func (s *Simulated) AllocateSlot(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpAllocateSlot); err != nil {
		return 0, err
	}
	slot := s.nextSlot
	s.nextSlot++
	s.slots[slot] = &SimulatedSlot{}
	s.logger.WithField("slot", slot).Debug("Simulated backend allocated slot")
	return slot, nil
}

func (s *Simulated) AddVcpu(_ context.Context, slot uint64, cpu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpAddVcpu); err != nil {
		return err
	}
	st, err := s.slotLocked(slot)
	if err != nil {
		return err
	}
	for _, c := range st.VCPUs {
		if c == cpu {
			return fmt.Errorf("cpu %d already added to slot %d", cpu, slot)
		}
	}
	st.VCPUs = append(st.VCPUs, cpu)
	return nil
}

func (s *Simulated) AddMemory(_ context.Context, slot uint64, physAddr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpAddMemory); err != nil {
		return err
	}
	st, err := s.slotLocked(slot)
	if err != nil {
		return err
	}
	if s.maxRegions > 0 && len(st.Memory) >= s.maxRegions {
		return fmt.Errorf("slot %d has reached %d memory regions", slot, s.maxRegions)
	}
	st.Memory = append(st.Memory, Chunk{PhysAddr: physAddr, Size: size})
	return nil
}

func (s *Simulated) Start(_ context.Context, slot uint64, requestedID uint64, flags uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpStart); err != nil {
		return 0, err
	}
	st, err := s.slotLocked(slot)
	if err != nil {
		return 0, err
	}
	if st.Running {
		return 0, fmt.Errorf("slot %d already running", slot)
	}
	id := requestedID
	if id == 0 {
		id = s.nextID
		s.nextID++
	}
	st.Running = true
	st.EnclaveID = id
	st.Flags = flags
	return id, nil
}

func (s *Simulated) Stop(_ context.Context, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpStop); err != nil {
		return err
	}
	st, err := s.slotLocked(slot)
	if err != nil {
		return err
	}
	st.Running = false
	return nil
}

func (s *Simulated) ReleaseSlot(_ context.Context, slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpReleaseSlot); err != nil {
		return err
	}
	if _, err := s.slotLocked(slot); err != nil {
		return err
	}
	delete(s.slots, slot)
	s.released[slot] = true
	return nil
}

// SimulatedPages is an in-memory PageSource that hands out chunks of
// PageSize bytes on Node with increasing physical addresses.
type SimulatedPages struct {
	PageSize uint64
	Node     int
	HugePage bool
	// Gap leaves a hole after every chunk so that no two chunks are
	// physically contiguous.
	Gap bool

	mu       sync.Mutex
	nextPhys uint64
	pinned   map[uint64]Chunk
	failAt   map[uint64]error
	nodeAt   map[uint64]int
}

func NewSimulatedPages(pageSize uint64, node int) *SimulatedPages {
	return &SimulatedPages{
		PageSize: pageSize,
		Node:     node,
		HugePage: true,
		nextPhys: 1 << 32,
		pinned:   make(map[uint64]Chunk),
		failAt:   make(map[uint64]error),
		nodeAt:   make(map[uint64]int),
	}
}

// FailAt makes AcquirePage(userAddr) fail with err.
func (p *SimulatedPages) FailAt(userAddr uint64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAt[userAddr] = err
}

// NodeAt makes the page at userAddr come from node instead of Node.
func (p *SimulatedPages) NodeAt(userAddr uint64, node int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeAt[userAddr] = node
}

// Pinned returns how many chunks are currently held.
func (p *SimulatedPages) Pinned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pinned)
}

func (p *SimulatedPages) AcquirePage(_ context.Context, userAddr uint64) (Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failAt[userAddr]; err != nil {
		return Chunk{}, err
	}
	node := p.Node
	if n, ok := p.nodeAt[userAddr]; ok {
		node = n
	}
	chunk := Chunk{
		UserAddr: userAddr,
		PhysAddr: p.nextPhys,
		Size:     p.PageSize,
		NUMANode: node,
		HugePage: p.HugePage,
	}
	p.nextPhys += p.PageSize
	if p.Gap {
		p.nextPhys += p.PageSize
	}
	p.pinned[chunk.PhysAddr] = chunk
	return chunk, nil
}

func (p *SimulatedPages) ReleasePage(chunk Chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pinned, chunk.PhysAddr)
}

// ValidRange accepts any non-null range that does not wrap around.
func (p *SimulatedPages) ValidRange(userAddr, size uint64) bool {
	return userAddr != 0 && userAddr+size > userAddr
}
