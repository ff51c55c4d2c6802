package trace

import (
	"fmt"
	"strings"
	"sync"
)

// BackpressurePolicy selects which trace is dropped when the buffer is full.
type BackpressurePolicy string

const (
	// BackpressureDropOldest evicts the oldest buffered trace.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureDropNewest rejects the incoming trace.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureBlock waits up to the block timeout for room, then rejects
	// the incoming trace.
	BackpressureBlock BackpressurePolicy = "block"
)

// ParseBackpressurePolicy validates raw. Empty selects drop_oldest.
func ParseBackpressurePolicy(raw string) (BackpressurePolicy, error) {
	switch policy := BackpressurePolicy(strings.ToLower(strings.TrimSpace(raw))); policy {
	case "":
		return BackpressureDropOldest, nil
	case BackpressureDropOldest, BackpressureDropNewest, BackpressureBlock:
		return policy, nil
	default:
		return "", fmt.Errorf("backpressure must be one of drop_oldest, drop_newest, block (got %q)", raw)
	}
}

// traceBuffer is a bounded FIFO of finished traces shared by producers and
// the writer worker. The front holds the oldest trace.
type traceBuffer struct {
	mu       sync.Mutex
	items    []*Trace
	capacity int
	// space is closed and replaced whenever traces leave the buffer.
	space chan struct{}
}

func newTraceBuffer(capacity int) *traceBuffer {
	return &traceBuffer{
		items:    make([]*Trace, 0, capacity),
		capacity: capacity,
		space:    make(chan struct{}),
	}
}

func (b *traceBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// tryPush appends t if there is room. When the buffer is full it returns a
// channel that is closed once room may be available.
func (b *traceBuffer) tryPush(t *Trace) (int, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		return len(b.items), b.space, false
	}
	b.items = append(b.items, t)
	return len(b.items), nil, true
}

// pushEvictOldest appends t, evicting the oldest trace when full.
func (b *traceBuffer) pushEvictOldest(t *Trace) (int, *Trace) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var evicted *Trace
	if len(b.items) >= b.capacity {
		evicted = b.items[0]
		b.items[0] = nil
		b.items = b.items[1:]
	}
	b.items = append(b.items, t)
	return len(b.items), evicted
}

// take removes up to max traces from the front.
func (b *traceBuffer) take(max int) []*Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	if max <= 0 || max > len(b.items) {
		max = len(b.items)
	}
	batch := make([]*Trace, max)
	copy(batch, b.items[:max])
	for i := 0; i < max; i++ {
		b.items[i] = nil
	}
	b.items = b.items[max:]
	b.signalSpaceLocked()
	return batch
}

// requeue puts traces that failed delivery back at the front, keeping their
// order. Traces that do not fit are returned: under drop_oldest the oldest
// failed traces go, otherwise the newest.
func (b *traceBuffer) requeue(traces []*Trace, policy BackpressurePolicy) []*Trace {
	if len(traces) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.capacity - len(b.items)
	if room < 0 {
		room = 0
	}
	kept := traces
	var dropped []*Trace
	if len(traces) > room {
		if policy == BackpressureDropOldest {
			dropped = traces[:len(traces)-room]
			kept = traces[len(traces)-room:]
		} else {
			kept = traces[:room]
			dropped = traces[room:]
		}
	}
	if len(kept) > 0 {
		items := make([]*Trace, 0, len(kept)+len(b.items))
		items = append(items, kept...)
		items = append(items, b.items...)
		b.items = items
	}
	return append([]*Trace(nil), dropped...)
}

func (b *traceBuffer) drainAll() []*Trace {
	return b.take(0)
}

func (b *traceBuffer) signalSpaceLocked() {
	close(b.space)
	b.space = make(chan struct{})
}
