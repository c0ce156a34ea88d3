package database

import "time"

// Event types recorded for pool and enclave state changes.
const (
	EventPoolSet         = "pool_set"
	EventPoolTeardown    = "pool_teardown"
	EventEnclaveCreated  = "enclave_created"
	EventVcpuAdded       = "vcpu_added"
	EventMemoryAdded     = "memory_added"
	EventEnclaveStarted  = "enclave_started"
	EventEnclaveTeardown = "enclave_teardown"
)

// Event is a single lifecycle change.
type Event struct {
	Type      string
	EnclaveID uint64
	Time      time.Time
	Fields    map[string]interface{}
}

// Recorder receives lifecycle events. Implementations must not block.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder drops every event.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}
