package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	fail   bool
}

func (w *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return fmt.Errorf("connection refused")
	}
	w.points = append(w.points, points...)
	return nil
}

func (w *fakeWriter) written() []*write.Point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*write.Point(nil), w.points...)
}

func TestInfluxRecorder_Flush(t *testing.T) {
	w := &fakeWriter{}
	r := NewInfluxRecorderWithWriter(w, 16, time.Hour)

	r.Record(Event{Type: EventEnclaveCreated, EnclaveID: 3})
	r.Record(Event{Type: EventVcpuAdded, EnclaveID: 3, Fields: map[string]interface{}{"cpu": 5}})
	if r.Pending() != 2 {
		t.Fatalf("pending = %d", r.Pending())
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending after flush = %d", r.Pending())
	}

	points := w.written()
	if len(points) != 2 {
		t.Fatalf("wrote %d points", len(points))
	}
	p := points[1]
	if p.Name() != measurementEvents {
		t.Fatalf("measurement = %s", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["event"] != EventVcpuAdded || tags["enclave_id"] != "3" {
		t.Fatalf("tags = %v", tags)
	}
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["cpu"] != int64(5) || fields["count"] != int64(1) {
		t.Fatalf("fields = %v", fields)
	}
}

func TestInfluxRecorder_FailedFlushKeepsEvents(t *testing.T) {
	w := &fakeWriter{fail: true}
	r := NewInfluxRecorderWithWriter(w, 16, time.Hour)
	r.Record(Event{Type: EventPoolSet})

	if err := r.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d, want event kept", r.Pending())
	}

	w.mu.Lock()
	w.fail = false
	w.mu.Unlock()
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(w.written()) != 1 {
		t.Fatalf("event lost")
	}
}

func TestInfluxRecorder_DropsOldestWhenFull(t *testing.T) {
	w := &fakeWriter{}
	r := NewInfluxRecorderWithWriter(w, 2, time.Hour)
	for i := uint64(1); i <= 3; i++ {
		r.Record(Event{Type: EventEnclaveCreated, EnclaveID: i})
	}
	if r.Pending() != 2 || r.Dropped() != 1 {
		t.Fatalf("pending=%d dropped=%d", r.Pending(), r.Dropped())
	}
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, tag := range w.written()[0].TagList() {
		if tag.Key == "enclave_id" && tag.Value != "2" {
			t.Fatalf("oldest event kept: enclave %s", tag.Value)
		}
	}
}

func TestInfluxRecorder_RunFlushesOnCancel(t *testing.T) {
	w := &fakeWriter{}
	r := NewInfluxRecorderWithWriter(w, 16, time.Hour)
	r.Record(Event{Type: EventPoolTeardown})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if len(w.written()) != 1 {
		t.Fatalf("final flush wrote %d points", len(w.written()))
	}
}
