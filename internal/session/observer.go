package session

import (
	"sync"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Reasons passed to Observer.Close.
const (
	ReasonReplaced = "replaced by newer connection"
	ReasonEnded    = "session ended"
)

// Observer is a live connection receiving a session's events.
type Observer interface {
	// ID uniquely identifies the connection.
	ID() string
	// Key groups connections opened for the same purpose by the same client
	// (client id and role). Empty means the connection is never merged.
	Key() string
	// Send enqueues ev without blocking and reports whether it was accepted.
	Send(ev models.Event) bool
	// Close terminates the connection.
	Close(reason string)
}

// Outbox is a per-observer send queue drained by the connection's writer.
// Frames are dropped when the queue is full. Every other event makes room by
// evicting the oldest queued frame, or the oldest event when no frame is
// queued.
type Outbox struct {
	mu     sync.Mutex
	queue  []models.Event
	size   int
	closed bool

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		queue: make([]models.Event, 0, size),
		size:  size,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Offer enqueues ev and reports whether it was accepted.
func (o *Outbox) Offer(ev models.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}

	if len(o.queue) >= o.size {
		if ev.Kind() == models.KindFrame {
			metrics.EventsDropped.WithLabelValues(metrics.DropSlowViewer).Inc()
			return false
		}
		victim := 0
		for i, queued := range o.queue {
			if queued.Kind() == models.KindFrame {
				victim = i
				break
			}
		}
		o.queue = append(o.queue[:victim], o.queue[victim+1:]...)
		metrics.EventsDropped.WithLabelValues(metrics.DropSlowViewer).Inc()
	}

	o.queue = append(o.queue, ev)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready receives a value when events may be waiting in the queue.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close marks the outbox closed. Queued events stay available to Drain so
// the writer can flush them.
func (o *Outbox) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.done)
	})
}

// Drain removes and returns the queued events in order.
func (o *Outbox) Drain() []models.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	out := o.queue
	o.queue = make([]models.Event, 0, o.size)
	return out
}
