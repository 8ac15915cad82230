// Package eventbus is the in-process signal fan-out between pipeline stages.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers receive on buffered channels; a slow subscriber drops events.
//   - A subscription may filter on event types; no filter means everything.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TypeStatusChanged   = "status.changed"
	TypeConnected       = "connection.opened"
	TypeDisconnected    = "connection.closed"
	TypeConnectionGone  = "connection.gone"
	TypeBroadcastDone   = "broadcast.done"
	TypeDispatchEnqueue = "dispatch.enqueued"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// StatusChange is the Data of a TypeStatusChanged event.
type StatusChange struct {
	TutorEmail   string
	StudentEmail string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	filter map[string]struct{}
}

func (s *subscription) wants(t string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
