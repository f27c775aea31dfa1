package watcher

import (
	"context"
	"time"

	"github.com/ritzau/asset-pipeline/pkg/logging"
)

// Debouncer batches rapid file system events so an editor's
// write-write-rename dance produces one analysis pass, not three.
// Multiple events for the same path within the window coalesce to the
// newest one (last-write-wins); flushed events preserve first-seen order.
type Debouncer struct {
	input       <-chan ChangeEvent
	output      chan ChangeEvent
	quietPeriod time.Duration
	maxWait     time.Duration
}

// NewDebouncer creates a new event debouncer
func NewDebouncer(input <-chan ChangeEvent, quietPeriod, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		input:       input,
		output:      make(chan ChangeEvent, 256),
		quietPeriod: quietPeriod,
		maxWait:     maxWait,
	}
}

// Start begins processing events with debouncing
func (d *Debouncer) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Debouncer) run(ctx context.Context) {
	var (
		order       []string // first-seen order of pending paths
		pending     = make(map[string]ChangeEvent)
		quietTimer  = time.NewTimer(0)
		maxTimer    = time.NewTimer(0)
		quietActive bool
		maxActive   bool
	)
	stopTimer(quietTimer)
	stopTimer(maxTimer)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		logging.Debug("flushing debounced events", "count", len(pending))
		for _, path := range order {
			if event, ok := pending[path]; ok {
				d.output <- event
			}
		}
		order = order[:0]
		clear(pending)
		if quietActive {
			stopTimer(quietTimer)
			quietActive = false
		}
		if maxActive {
			stopTimer(maxTimer)
			maxActive = false
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			close(d.output)
			return

		case event, ok := <-d.input:
			if !ok {
				flush()
				close(d.output)
				return
			}

			if _, seen := pending[event.Path]; !seen {
				order = append(order, event.Path)
			}
			pending[event.Path] = event

			if quietActive {
				stopTimer(quietTimer)
			}
			quietTimer.Reset(d.quietPeriod)
			quietActive = true

			if !maxActive {
				maxTimer.Reset(d.maxWait)
				maxActive = true
			}

		case <-quietTimer.C:
			quietActive = false
			flush()

		case <-maxTimer.C:
			maxActive = false
			flush()
		}
	}
}

// Output returns the channel of debounced events
func (d *Debouncer) Output() <-chan ChangeEvent {
	return d.output
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
