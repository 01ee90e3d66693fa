package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/todo-1m/offline/internal/contracts"
)

type EventKind string

const (
	EventReported EventKind = "reported"
	EventCleared  EventKind = "cleared"
)

type Event struct {
	Kind  EventKind                  `json:"kind"`
	State contracts.ActionToastState `json:"state"`
	At    time.Time                  `json:"at"`
}

// Bus holds the latest ActionToastState per correlation id and fans changes
// out to subscribers. Events are delivered one at a time in report order; a
// handler that reports back into the bus has its event delivered after the
// current one finishes.
type Bus struct {
	Now func() time.Time

	mu         sync.Mutex
	states     map[string]contracts.ActionToastState
	subs       map[int]func(Event)
	order      []int
	nextID     int
	pending    []Event
	delivering bool
}

func NewBus() *Bus {
	return &Bus{
		Now:    func() time.Time { return time.Now().UTC() },
		states: map[string]contracts.ActionToastState{},
		subs:   map[int]func(Event){},
	}
}

// Report upserts state by id; the latest report wins.
func (b *Bus) Report(state contracts.ActionToastState) {
	if state.ID == "" {
		return
	}
	b.mu.Lock()
	b.states[state.ID] = state
	b.publishLocked(Event{Kind: EventReported, State: state, At: b.Now()})
}

func (b *Bus) Clear(id string) {
	b.mu.Lock()
	state, ok := b.states[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.states, id)
	b.publishLocked(Event{Kind: EventCleared, State: state, At: b.Now()})
}

func (b *Bus) Get(id string) (contracts.ActionToastState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	return state, ok
}

// Snapshot returns every current state ordered by id.
func (b *Bus) Snapshot() []contracts.ActionToastState {
	b.mu.Lock()
	out := make([]contracts.ActionToastState, 0, len(b.states))
	for _, s := range b.states {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe registers fn for every later event. The returned func is safe to
// call more than once.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i:i], b.order[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// publishLocked must be called with b.mu held; it releases it.
func (b *Bus) publishLocked(ev Event) {
	b.pending = append(b.pending, ev)
	if b.delivering {
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.pending) > 0 {
		next := b.pending[0]
		b.pending = b.pending[1:]
		handlers := make([]func(Event), 0, len(b.order))
		for _, id := range b.order {
			handlers = append(handlers, b.subs[id])
		}
		b.mu.Unlock()
		for _, h := range handlers {
			h(next)
		}
		b.mu.Lock()
	}
	b.delivering = false
	b.mu.Unlock()
}
