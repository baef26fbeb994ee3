// Package batch implements the batch coordinator of spec.md §4.5: it
// assembles rows into batches, decides when to flush, and delivers
// them to a bounded channel that is the pipeline's sole backpressure
// mechanism (spec.md §5).
package batch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratum-dmt/stratum/internal/value"
)

// Capacity is the bounded queue depth between producer and consumer of
// one item (spec.md §5).
const Capacity = 64

// FlushInterval is the coordinator's timer trigger (spec.md §4.5).
const FlushInterval = 250 * time.Millisecond

// Channel is the bounded queue of Batches for one item.
type Channel chan value.Batch

// NewChannel builds a Channel at the spec-mandated capacity.
func NewChannel() Channel {
	return make(Channel, Capacity)
}

// Metrics exposes the backpressure gauge spec.md §4.5 requires when a
// send blocks past one flush interval.
type Metrics struct {
	Backpressure prometheus.Gauge
}

// NewMetrics registers the coordinator's gauge against reg.
func NewMetrics(reg prometheus.Registerer, itemID string) *Metrics {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "stratum_batch_backpressure",
		Help:        "1 while a batch send has blocked past one flush interval, 0 otherwise.",
		ConstLabels: prometheus.Labels{"item_id": itemID},
	})
	if reg != nil {
		reg.MustRegister(g)
	}
	return &Metrics{Backpressure: g}
}

// entry pairs a row with the cursor it advances to on its own, so a
// flush can report the cursor of the last row it actually took rather
// than the cursor of whatever source read produced it.
type entry struct {
	row    value.Row
	cursor value.Cursor
}

// Coordinator accumulates rows into the active batch. ShouldFlush
// covers the size and timer triggers, and the pipeline flushes the
// remainder when the source drains. Rows still pending when the
// context is cancelled are not flushed; no checkpoint covers them, so
// a resumed run reads them again.
type Coordinator struct {
	batchSize int
	metrics   *Metrics

	active   []entry
	deadline time.Time
}

// New builds a Coordinator targeting batchSize rows per flush.
func New(batchSize int, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = &Metrics{Backpressure: prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_backpressure"})}
	}
	return &Coordinator{batchSize: batchSize, metrics: metrics}
}

// Add appends a row to the active batch along with the cursor that
// row alone advances to, resetting the flush deadline if this is the
// first row since the last flush.
func (c *Coordinator) Add(row value.Row, cursor value.Cursor) {
	if len(c.active) == 0 {
		c.deadline = time.Now().Add(FlushInterval)
	}
	c.active = append(c.active, entry{row: row, cursor: cursor})
}

// ShouldFlush reports whether the size or timer trigger has fired.
func (c *Coordinator) ShouldFlush() bool {
	if len(c.active) == 0 {
		return false
	}
	if len(c.active) >= c.batchSize {
		return true
	}
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// Take drains the active batch, resetting internal state so Add can
// start a fresh batch. It returns the batch's rows along with the
// cursor of the last row it contains — never the cursor of the source
// read that produced them, since a read can under-fill the active
// batch across several flushes when FILTER drops rows unevenly
// (spec.md §4.4). A checkpoint committed against this cursor never
// claims a row still sitting in the next batch.
func (c *Coordinator) Take() ([]value.Row, value.Cursor) {
	taken := c.active
	c.active = nil
	c.deadline = time.Time{}

	rows := make([]value.Row, len(taken))
	var cursor value.Cursor
	for i, e := range taken {
		rows[i] = e.row
		cursor = e.cursor
	}
	return rows, cursor
}

// Pending reports the number of rows accumulated but not yet flushed.
func (c *Coordinator) Pending() int { return len(c.active) }

// Send delivers batch to ch with a blocking send, per spec.md §5's
// channel discipline. If the send blocks past one flush interval, the
// backpressure gauge is raised for the duration of the wait — this is
// the sole backpressure signal in the system.
func (c *Coordinator) Send(ctx context.Context, ch Channel, b value.Batch) error {
	select {
	case ch <- b:
		return nil
	default:
	}

	timer := time.NewTimer(FlushInterval)
	defer timer.Stop()
	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	c.metrics.Backpressure.Set(1)
	defer c.metrics.Backpressure.Set(0)

	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
