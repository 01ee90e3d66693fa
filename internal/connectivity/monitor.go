package connectivity

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Monitor turns connectivity signals into a subscribable boolean. Callbacks
// run once per transition, in registration order, outside the lock.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	onOnline  map[int]func()
	onOffline map[int]func()
	order     []int
	log       logrus.FieldLogger
}

func NewMonitor(initial bool, log logrus.FieldLogger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{
		online:    initial,
		onOnline:  map[int]func(){},
		onOffline: map[int]func(){},
		log:       log.WithField("component", "connectivity"),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn for every offline->online transition. The returned
// func unsubscribes and may be called any number of times.
func (m *Monitor) OnOnline(fn func()) func() {
	return m.subscribe(m.onOnline, fn)
}

// OnOffline registers fn for every online->offline transition.
func (m *Monitor) OnOffline(fn func()) func() {
	return m.subscribe(m.onOffline, fn)
}

func (m *Monitor) subscribe(set map[int]func(), fn func()) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	set[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(set, id)
			m.mu.Unlock()
		})
	}
}

// Set records the current signal. Repeated values are ignored so flapping
// sources never fire a callback twice for the same transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	set := m.onOffline
	if online {
		set = m.onOnline
	}
	callbacks := make([]func(), 0, len(set))
	live := m.order[:0]
	for _, id := range m.order {
		_, isOnline := m.onOnline[id]
		_, isOffline := m.onOffline[id]
		if !isOnline && !isOffline {
			continue
		}
		live = append(live, id)
		if fn, ok := set[id]; ok {
			callbacks = append(callbacks, fn)
		}
	}
	m.order = live
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost")
	}
	for _, fn := range callbacks {
		fn()
	}
}
