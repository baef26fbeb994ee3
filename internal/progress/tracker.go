// Package progress renders live migration progress to the terminal
// during `migrate`, driven by internal/events rather than by polling.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/stratum-dmt/stratum/internal/events"
)

// Tracker drives a terminal progress bar off BatchProcessed events.
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time
}

// New creates a new progress tracker.
func New() *Tracker {
	t := &Tracker{
		startTime: time.Now(),
	}
	t.SetTotal(-1)
	return t
}

// SetTotal sets the total number of rows expected, if known in
// advance; without it the bar renders as an indeterminate spinner.
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Migrating"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the current count.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Migrated %d rows in %s (%.0f rows/sec)\n",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}

// Watch subscribes to bus and, from a goroutine it starts itself,
// feeds every BatchProcessed event's row count into the tracker until
// the returned stop is called.
func (t *Tracker) Watch(bus *events.Bus) (stop func()) {
	ch, unsubscribe := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Kind == events.BatchProcessed {
					t.Add(ev.Rows)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsubscribe()
	}
}
