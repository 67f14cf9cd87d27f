// Package bus is the in-process event fanout: orchestration progress and
// agent activity are broadcast here and mirrored to gateway clients. A slow
// subscriber drops events rather than holding up the publisher.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event names broadcast by this process.
const (
	EventProgress = "progress" // orchestration phase changes
	EventRun      = "run"      // run started / finished
	EventAgent    = "agent"    // agent session activity
	EventHealth   = "health"
)

// Event is one server-side occurrence.
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Handler consumes broadcast events.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription. The gateway server
// consumes this interface so tests can substitute a fake.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(ev Event)
}

const defaultQueue = 16

// Bus is an in-process Publisher. Each subscriber gets its own bounded
// queue drained by one goroutine, so one stuck handler cannot block the
// rest.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string]*subscriber
	queue int
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// New returns a Bus with the given per-subscriber queue length.
// Non-positive uses the default.
func New(queue int) *Bus {
	if queue <= 0 {
		queue = defaultQueue
	}
	return &Bus{subs: make(map[string]*subscriber), queue: queue}
}

// Subscribe registers h under id. A second Subscribe with the same id
// replaces the first.
func (b *Bus) Subscribe(id string, h Handler) {
	s := &subscriber{ch: make(chan Event, b.queue), done: make(chan struct{})}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old.done)
	}
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.ch:
				h(ev)
			case <-s.done:
				return
			}
		}
	}()
}

// Unsubscribe removes the subscriber and stops its drain goroutine.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.done)
	}
	b.mu.Unlock()
}

// Broadcast fans ev out to every subscriber without blocking. Events to a
// full queue are dropped.
func (b *Bus) Broadcast(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	dropped := 0
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		slog.Debug("bus.dropped", "event", ev.Name, "subscribers", dropped)
	}
}
