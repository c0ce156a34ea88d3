package enclave

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"enclave-manager/internal/backend"
	"enclave-manager/internal/config"
	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/database"
	"enclave-manager/internal/logging"
)

// Config holds the memory rules the manager enforces.
type Config struct {
	// Granularity is the size and alignment unit of memory regions.
	Granularity uint64
	// MinMemory is the smallest total memory an enclave may start with.
	MinMemory uint64
	// MaxRegions caps backend memory regions per enclave when the backend
	// does not report its own limit.
	MaxRegions int
}

func DefaultConfig() Config {
	return Config{
		Granularity: config.DefaultGranularity,
		MinMemory:   config.DefaultMinEnclaveBytes,
		MaxRegions:  config.DefaultMaxMemRegions,
	}
}

// ConfigFrom builds a manager Config from the loaded file configuration.
func ConfigFrom(cfg config.MemoryConfig) Config {
	return Config{
		Granularity: cfg.GranularityBytes,
		MinMemory:   cfg.MinEnclaveBytes,
		MaxRegions:  cfg.MaxRegions,
	}
}

// Manager owns the registry of live enclaves and lends them cores from the
// pool.
//
// Lock order is registry, then enclave, then pool. Backend calls are made
// without holding the registry, an enclave's field lock or the pool lock.
type Manager struct {
	pool   *cpupool.Pool
	client backend.Client
	pages  backend.PageSource
	cfg    Config
	logger logrus.FieldLogger
	audit  logrus.FieldLogger
	events database.Recorder

	mu       sync.RWMutex
	enclaves map[uint64]*Enclave
}

func NewManager(pool *cpupool.Pool, client backend.Client, pages backend.PageSource, cfg Config, logger logrus.FieldLogger) (*Manager, error) {
	if pool == nil {
		return nil, fmt.Errorf("cpu pool is nil")
	}
	if client == nil {
		return nil, fmt.Errorf("backend client is nil")
	}
	if pages == nil {
		return nil, fmt.Errorf("page source is nil")
	}
	if cfg.Granularity == 0 || cfg.Granularity&(cfg.Granularity-1) != 0 {
		return nil, fmt.Errorf("granularity must be a power of two, got %d", cfg.Granularity)
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Manager{
		pool:     pool,
		client:   client,
		pages:    pages,
		cfg:      cfg,
		logger:   logger,
		audit:    logging.GetAuditLogger(),
		events:   database.NopRecorder{},
		enclaves: make(map[uint64]*Enclave),
	}, nil
}

// SetRecorder installs the sink for lifecycle events.
func (m *Manager) SetRecorder(r database.Recorder) {
	if r == nil {
		r = database.NopRecorder{}
	}
	m.events = r
}

func (m *Manager) Pool() *cpupool.Pool {
	return m.pool
}

func (m *Manager) record(typ string, id uint64, fields map[string]interface{}) {
	m.events.Record(database.Event{Type: typ, EnclaveID: id, Fields: fields})
}

// CreateEnclave reserves a slot from the backend and registers a new enclave
// sized against the current pool.
func (m *Manager) CreateEnclave(ctx context.Context) (*Enclave, error) {
	snap, err := m.pool.Attach()
	if err != nil {
		return nil, err
	}

	slot, err := m.client.AllocateSlot(ctx)
	if err != nil {
		m.pool.Detach()
		return nil, fmt.Errorf("%w: allocate slot: %w", ErrBackend, err)
	}

	maxRegions := m.cfg.MaxRegions
	if rl, ok := m.client.(backend.RegionLimiter); ok {
		if n := rl.MaxMemRegions(slot); n > 0 {
			maxRegions = n
		}
	}

	e := newEnclave(slot, snap.NUMANode, snap.CoreCount, snap.ThreadsPerCore, maxRegions)

	m.mu.Lock()
	if _, dup := m.enclaves[slot]; dup {
		m.mu.Unlock()
		m.pool.Detach()
		if rerr := m.client.ReleaseSlot(ctx, slot); rerr != nil {
			m.logger.WithField("slot", slot).WithError(rerr).Warn("Failed to release duplicate slot")
		}
		return nil, fmt.Errorf("%w: slot %d already registered", ErrBackend, slot)
	}
	m.enclaves[slot] = e
	m.mu.Unlock()

	m.audit.WithFields(logrus.Fields{
		"enclave_id":  slot,
		"numa_node":   snap.NUMANode,
		"max_regions": maxRegions,
	}).Info("Enclave created")
	m.record(database.EventEnclaveCreated, slot, map[string]interface{}{
		"numa_node": snap.NUMANode,
	})
	return e, nil
}

// Get returns the enclave registered under id.
func (m *Manager) Get(id uint64) (*Enclave, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enclaves[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return e, nil
}

// List returns the live enclaves ordered by id.
func (m *Manager) List() []*Enclave {
	m.mu.RLock()
	out := make([]*Enclave, 0, len(m.enclaves))
	for _, e := range m.enclaves {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].slot < out[j].slot })
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.enclaves)
}

// TeardownAll tears down every live enclave.
func (m *Manager) TeardownAll(ctx context.Context) {
	for _, e := range m.List() {
		m.Teardown(ctx, e)
	}
}

func (m *Manager) unregister(e *Enclave) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.enclaves[e.slot]; ok && cur == e {
		delete(m.enclaves, e.slot)
	}
}
