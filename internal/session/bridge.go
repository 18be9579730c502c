package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/metrics"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

// Bridge carries events from a session's worker to its observers. The worker
// only ever enqueues; a single fan-out goroutine per session performs every
// send, in publish order.
type Bridge struct {
	log     zerolog.Logger
	timeout time.Duration

	events chan models.Event
	frames chan models.FrameEvent

	mu        sync.RWMutex
	observers map[string]Observer

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewBridge starts the fan-out goroutine. Publish blocks for at most timeout
// when the event queue (of size buffer) is full.
func NewBridge(sessionID string, buffer int, timeout time.Duration) *Bridge {
	if buffer < 1 {
		buffer = 1
	}
	b := &Bridge{
		log:       log.With().Str("session_id", sessionID).Logger(),
		timeout:   timeout,
		events:    make(chan models.Event, buffer),
		frames:    make(chan models.FrameEvent, 1),
		observers: make(map[string]Observer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues ev for delivery. Frames replace any frame not yet
// delivered. Other events wait up to the publish timeout for queue space and
// are dropped after that. Delivery failures are logged, never returned.
func (b *Bridge) Publish(ev models.Event) {
	select {
	case <-b.done:
		metrics.EventsDropped.WithLabelValues(metrics.DropClosed).Inc()
		return
	default:
	}

	if fe, ok := ev.(models.FrameEvent); ok {
		b.publishFrame(fe)
		return
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case b.events <- ev:
		metrics.EventsPublished.WithLabelValues(string(ev.Kind())).Inc()
	case <-b.done:
		metrics.EventsDropped.WithLabelValues(metrics.DropClosed).Inc()
	case <-timer.C:
		metrics.EventsDropped.WithLabelValues(metrics.DropTimeout).Inc()
		b.log.Warn().Str("kind", string(ev.Kind())).Dur("timeout", b.timeout).Msg("publish timed out, event dropped")
	}
}

func (b *Bridge) publishFrame(fe models.FrameEvent) {
	for i := 0; i < 2; i++ {
		select {
		case b.frames <- fe:
			metrics.EventsPublished.WithLabelValues(string(models.KindFrame)).Inc()
			return
		default:
		}
		select {
		case <-b.frames:
			metrics.EventsDropped.WithLabelValues(metrics.DropFrameReplay).Inc()
		default:
		}
	}
	metrics.EventsDropped.WithLabelValues(metrics.DropFrameReplay).Inc()
}

func (b *Bridge) run() {
	defer close(b.stopped)
	for {
		select {
		case <-b.done:
			b.flush()
			return
		case ev := <-b.events:
			b.deliver(ev)
		case fe := <-b.frames:
			b.deliver(fe)
		}
	}
}

// flush delivers events still queued at close so a final result published
// just before teardown reaches observers.
func (b *Bridge) flush() {
	for {
		select {
		case ev := <-b.events:
			b.deliver(ev)
		default:
			return
		}
	}
}

func (b *Bridge) deliver(ev models.Event) {
	observers := b.Snapshot()
	if len(observers) == 0 {
		return
	}
	for _, o := range observers {
		if !o.Send(ev) && ev.Kind() != models.KindFrame {
			b.log.Debug().Str("observer_id", o.ID()).Str("kind", string(ev.Kind())).Msg("observer did not accept event")
		}
	}
}

// Attach adds o to the observer set.
func (b *Bridge) Attach(o Observer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return false
	default:
	}
	b.observers[o.ID()] = o
	return true
}

// Detach removes the observer with the given id and reports whether it was
// present.
func (b *Bridge) Detach(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.observers[id]; !ok {
		return false
	}
	delete(b.observers, id)
	return true
}

// ByKey returns the attached observer with the given non-empty key.
func (b *Bridge) ByKey(key string) Observer {
	if key == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		if o.Key() == key {
			return o
		}
	}
	return nil
}

// Snapshot copies the observer set. Broadcasts iterate the copy so
// concurrent attach and detach never race with delivery.
func (b *Bridge) Snapshot() []Observer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		out = append(out, o)
	}
	return out
}

func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close stops accepting events, delivers what is queued and waits for the
// fan-out goroutine to exit.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}
