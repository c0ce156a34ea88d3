// Package control exposes the pool and enclave operations to outside callers.
package control

import (
	"context"

	"github.com/sirupsen/logrus"

	"enclave-manager/internal/cpupool"
	"enclave-manager/internal/database"
	"enclave-manager/internal/enclave"
	"enclave-manager/internal/logging"
)

// Surface maps external requests onto the pool and the enclave manager.
// Enclaves are addressed by the id returned from CreateEnclave.
type Surface struct {
	pool    *cpupool.Pool
	manager *enclave.Manager
	events  database.Recorder
	logger  logrus.FieldLogger
}

func NewSurface(manager *enclave.Manager, logger logrus.FieldLogger) *Surface {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Surface{
		pool:    manager.Pool(),
		manager: manager,
		events:  database.NopRecorder{},
		logger:  logger,
	}
}

// SetRecorder routes pool and enclave events to r.
func (s *Surface) SetRecorder(r database.Recorder) {
	if r == nil {
		r = database.NopRecorder{}
	}
	s.events = r
	s.manager.SetRecorder(r)
}

func (s *Surface) SetPool(cpus string) (cpupool.Info, error) {
	if err := s.pool.SetPool(cpus); err != nil {
		s.logger.WithField("cpus", cpus).WithError(err).Warn("SetPool rejected")
		return cpupool.Info{}, err
	}
	info := s.pool.Info()
	s.events.Record(database.Event{
		Type:   database.EventPoolSet,
		Fields: map[string]interface{}{"cpus": info.CPUs, "numa_node": info.NUMANode},
	})
	return info, nil
}

// TeardownPool dissolves the pool. It fails while any enclave is alive.
func (s *Surface) TeardownPool() error {
	if err := s.pool.TryTeardown(); err != nil {
		return err
	}
	s.events.Record(database.Event{Type: database.EventPoolTeardown})
	return nil
}

func (s *Surface) Pool() cpupool.Info {
	return s.pool.Info()
}

func (s *Surface) CreateEnclave(ctx context.Context) (enclave.Info, error) {
	e, err := s.manager.CreateEnclave(ctx)
	if err != nil {
		return enclave.Info{}, err
	}
	return e.Info(), nil
}

// AddVcpu binds a CPU to the enclave. A nil cpu lets the manager choose one.
func (s *Surface) AddVcpu(ctx context.Context, id uint64, cpu *int) (int, error) {
	e, err := s.manager.Get(id)
	if err != nil {
		return 0, err
	}
	return s.manager.AddVcpu(ctx, e, cpu)
}

func (s *Surface) AddMemory(ctx context.Context, id, userAddr, size uint64) (enclave.Info, error) {
	e, err := s.manager.Get(id)
	if err != nil {
		return enclave.Info{}, err
	}
	if err := s.manager.AddMemoryRegion(ctx, e, userAddr, size); err != nil {
		return enclave.Info{}, err
	}
	return e.Info(), nil
}

// Start runs the enclave and returns the identifier the backend assigned.
func (s *Surface) Start(ctx context.Context, id, requestedID, flags uint64) (uint64, error) {
	e, err := s.manager.Get(id)
	if err != nil {
		return 0, err
	}
	return s.manager.Start(ctx, e, requestedID, flags)
}

func (s *Surface) Teardown(ctx context.Context, id uint64) error {
	e, err := s.manager.Get(id)
	if err != nil {
		return err
	}
	s.manager.Teardown(ctx, e)
	return nil
}

func (s *Surface) Describe(id uint64) (enclave.Info, error) {
	e, err := s.manager.Get(id)
	if err != nil {
		return enclave.Info{}, err
	}
	return e.Info(), nil
}

func (s *Surface) List() []enclave.Info {
	enclaves := s.manager.List()
	out := make([]enclave.Info, 0, len(enclaves))
	for _, e := range enclaves {
		out = append(out, e.Info())
	}
	return out
}

// Shutdown tears down every live enclave and then the pool.
func (s *Surface) Shutdown(ctx context.Context) {
	n := s.manager.Count()
	s.manager.TeardownAll(ctx)
	wasSet := s.pool.Configured()
	s.pool.TeardownPool()
	if wasSet {
		s.events.Record(database.Event{Type: database.EventPoolTeardown})
	}
	s.logger.WithField("enclaves", n).Info("Control surface shut down")
}
