package gateway

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/polyphony-chat/chorus/src/structs"
)

// EventNameAll subscribes to every published event.
const EventNameAll = "*"

// subscriber buffers published events in an unbounded queue and delivers
// them from its own goroutine, so one slow consumer never stalls the
// read loop or other subscribers.
type subscriber struct {
	mu    sync.Mutex
	queue []any
	wake  chan struct{}
	out   chan any
	done  chan struct{}
	once  sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		out:  make(chan any),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev any) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// EventDispatcher fans decoded gateway events out to an arbitrary number
// of observers. Events are never dropped by the dispatcher itself.
type EventDispatcher struct {
	mu   sync.RWMutex
	subs map[structs.EventName]map[uuid.UUID]*subscriber
	log  *slog.Logger
}

func NewEventDispatcher(log *slog.Logger) *EventDispatcher {
	return &EventDispatcher{
		subs: make(map[structs.EventName]map[uuid.UUID]*subscriber),
		log:  log,
	}
}

// Subscribe registers an observer for the named event and returns its
// handle together with the delivery channel. The channel is closed on
// Unsubscribe or when the dispatcher shuts down.
func (d *EventDispatcher) Subscribe(name structs.EventName) (uuid.UUID, <-chan any) {
	s := newSubscriber()
	id := uuid.New()
	d.mu.Lock()
	if d.subs[name] == nil {
		d.subs[name] = make(map[uuid.UUID]*subscriber)
	}
	d.subs[name][id] = s
	d.mu.Unlock()
	return id, s.out
}

// SubscribeOnce delivers a single occurrence of the named event and then
// unsubscribes on its own.
func (d *EventDispatcher) SubscribeOnce(name structs.EventName) <-chan any {
	id, ch := d.Subscribe(name)
	out := make(chan any, 1)
	go func() {
		defer close(out)
		if ev, ok := <-ch; ok {
			out <- ev
		}
		d.Unsubscribe(name, id)
	}()
	return out
}

func (d *EventDispatcher) Unsubscribe(name structs.EventName, id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.subs[name]; ok {
		if s, ok := m[id]; ok {
			s.close()
			delete(m, id)
		}
		if len(m) == 0 {
			delete(d.subs, name)
		}
	}
}

// Publish hands the event to every observer of the named event and to
// wildcard observers. It never blocks on delivery.
func (d *EventDispatcher) Publish(name structs.EventName, ev any) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.subs[name] {
		s.push(ev)
	}
	if name != EventNameAll {
		for _, s := range d.subs[EventNameAll] {
			s.push(ev)
		}
	}
}

// Close tears down all subscribers, closing their channels.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, m := range d.subs {
		for id, s := range m {
			s.close()
			delete(m, id)
		}
		delete(d.subs, name)
	}
}
