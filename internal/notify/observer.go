package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/contracts"
)

const DefaultHistoryCap = 200

type Sink interface {
	Notify(n contracts.Notification)
}

type SinkFunc func(n contracts.Notification)

func (f SinkFunc) Notify(n contracts.Notification) { f(n) }

type dedupKey struct {
	id     string
	status contracts.ActionStatus
}

// Observer turns bus events into notifications, at most once per
// (id, status). The history is a FIFO bounded to HistoryCap entries.
type Observer struct {
	Now func() time.Time

	mu      sync.Mutex
	cap     int
	seen    map[dedupKey]struct{}
	history []dedupKey
	sinks   []Sink
	log     logrus.FieldLogger
}

func NewObserver(historyCap int, log logrus.FieldLogger, sinks ...Sink) *Observer {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Observer{
		Now:   func() time.Time { return time.Now().UTC() },
		cap:   historyCap,
		seen:  map[dedupKey]struct{}{},
		sinks: sinks,
		log:   log.WithField("component", "notify"),
	}
}

// Attach subscribes the observer to bus and returns the unsubscribe func.
func (o *Observer) Attach(bus *broadcast.Bus) func() {
	return bus.Subscribe(o.Handle)
}

func (o *Observer) Handle(ev broadcast.Event) {
	// Clearing an id leaves its history alone: a re-report of the same
	// (id, status) after a clear is still a duplicate.
	if ev.Kind != broadcast.EventReported {
		return
	}

	state := ev.State
	if !ShouldNotifyState(state) {
		return
	}
	if !o.remember(dedupKey{id: state.ID, status: state.Status}) {
		return
	}

	n := Select(state)
	n.At = o.Now().UnixMilli()
	o.log.WithFields(logrus.Fields{
		"action_id": n.ID,
		"status":    n.Status,
		"variant":   n.Variant,
	}).Debug("notification emitted")
	for _, sink := range o.sinks {
		sink.Notify(n)
	}
}

func (o *Observer) remember(key dedupKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	o.history = append(o.history, key)
	for len(o.history) > o.cap {
		delete(o.seen, o.history[0])
		o.history = o.history[1:]
	}
	return true
}

// HistoryLen is the number of (id, status) pairs currently remembered.
func (o *Observer) HistoryLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.history)
}
