package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"enclave-manager/internal/config"
	"enclave-manager/internal/logging"
)

const (
	measurementEvents    = "enclave_events"
	defaultBufferSize    = 4096
	defaultFlushInterval = 5 * time.Second
)

// PointWriter is the subset of the InfluxDB blocking write API the recorder
// needs.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxRecorder buffers lifecycle events in memory and flushes them to
// InfluxDB from Run. Record never blocks on the network; when the buffer is
// full the oldest event is dropped.
type InfluxRecorder struct {
	writer        PointWriter
	client        influxdb2.Client
	logger        *logrus.Logger
	bufferSize    int
	flushInterval time.Duration

	mu      sync.Mutex
	pending *queue.Queue
	dropped int
}

// NewInfluxRecorder connects to InfluxDB and verifies it is healthy.
func NewInfluxRecorder(cfg config.InfluxConfig) (*InfluxRecorder, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":   cfg.Host,
			"status": health.Status,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is unhealthy: %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	rec := NewInfluxRecorderWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.BufferSize, cfg.FlushInterval)
	rec.client = client
	return rec, nil
}

// NewInfluxRecorderWithWriter builds a recorder around an existing writer.
func NewInfluxRecorderWithWriter(writer PointWriter, bufferSize int, flushInterval time.Duration) *InfluxRecorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &InfluxRecorder{
		writer:        writer,
		logger:        logging.GetLogger(),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		pending:       queue.New(),
	}
}

func (r *InfluxRecorder) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Length() >= r.bufferSize {
		r.pending.Remove()
		r.dropped++
	}
	r.pending.Add(ev)
}

// Pending returns the number of buffered events.
func (r *InfluxRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Length()
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *InfluxRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run flushes buffered events every flush interval until ctx is done, then
// makes a final flush.
func (r *InfluxRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := r.Flush(flushCtx)
			cancel()
			return err
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.WithError(err).Warn("Failed to flush enclave events")
			}
		}
	}
}

// Flush writes every buffered event. On failure the events are put back;
// points carry their own timestamps so buffer order does not matter.
func (r *InfluxRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	events := make([]Event, 0, r.pending.Length())
	for r.pending.Length() > 0 {
		events = append(events, r.pending.Remove().(Event))
	}
	r.mu.Unlock()

	if len(events) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(events))
	for _, ev := range events {
		points = append(points, eventPoint(ev))
	}
	if err := r.writer.WritePoint(ctx, points...); err != nil {
		for _, ev := range events {
			r.Record(ev)
		}
		return fmt.Errorf("failed to write %d event points: %w", len(points), err)
	}

	r.logger.WithField("points", len(points)).Debug("Flushed enclave events")
	return nil
}

func (r *InfluxRecorder) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

func eventPoint(ev Event) *write.Point {
	fields := make(map[string]interface{}, len(ev.Fields)+1)
	for k, v := range ev.Fields {
		fields[k] = v
	}
	// A point needs at least one field.
	fields["count"] = 1

	return influxdb2.NewPoint(measurementEvents,
		map[string]string{
			"event":      ev.Type,
			"enclave_id": strconv.FormatUint(ev.EnclaveID, 10),
		},
		fields,
		ev.Time)
}
