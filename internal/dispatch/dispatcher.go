package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/executor"
	"github.com/todo-1m/offline/internal/queue"
)

const DefaultCooldown = 2 * time.Second

type Connectivity interface {
	IsOnline() bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, cmd contracts.NewCommand) (queue.Receipt, error)
	Len(ctx context.Context) int
}

// Result is what an immediate execution returns.
type Result struct {
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type callOptions struct {
	correlationID  string
	silent         bool
	successMessage string
	onQueued       func(queue.Receipt)
	noQueue        bool
}

type CallOption func(*callOptions)

// WithCorrelationID sets the id the outcome is reported under.
func WithCorrelationID(id string) CallOption {
	return func(o *callOptions) { o.correlationID = id }
}

// Silent suppresses the success notification for this call.
func Silent() CallOption {
	return func(o *callOptions) { o.silent = true }
}

func WithSuccessMessage(msg string) CallOption {
	return func(o *callOptions) { o.successMessage = msg }
}

// OnQueued receives the queue receipt when the call is deferred.
func OnQueued(fn func(queue.Receipt)) CallOption {
	return func(o *callOptions) { o.onQueued = fn }
}

// Queueable(false) makes the call fail with an offline error instead of
// being queued. Such calls also bypass SerializeWhenQueued.
func Queueable(ok bool) CallOption {
	return func(o *callOptions) { o.noQueue = !ok }
}

// Dispatcher is the entry point for mutating calls. It runs a call now when
// online and queues it otherwise; whether a call may be queued at all is the
// caller's decision.
type Dispatcher struct {
	Cooldown time.Duration
	// SerializeWhenQueued routes online calls through the queue while it is
	// non-empty, so this device's commands reach the server in order.
	SerializeWhenQueued bool
	// Invalidate is called after every successful immediate execution.
	Invalidate func(ctx context.Context, endpoint string, method contracts.Method)
	// Kick asks the replayer for a pass; used by SerializeWhenQueued.
	Kick func()
	// Observe receives every terminal outcome, for metrics.
	Observe func(status contracts.ActionStatus, elapsed time.Duration)

	NewCorrelationID func() string
	AfterFunc        func(d time.Duration, fn func()) *time.Timer
	Now              func() time.Time

	conn  Connectivity
	exec  executor.Executor
	queue Enqueuer
	bus   *broadcast.Bus
	log   logrus.FieldLogger

	mu       sync.Mutex
	status   contracts.ActionStatus
	err      *contracts.APIError
	gen      uint64
	queued   map[string]struct{}
	watchers map[int]func(contracts.ActionStatus)
	nextW    int
}

func New(conn Connectivity, exec executor.Executor, q Enqueuer, bus *broadcast.Bus, log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Dispatcher{
		Cooldown:         DefaultCooldown,
		NewCorrelationID: uuid.NewString,
		AfterFunc:        time.AfterFunc,
		Now:              time.Now,
		conn:             conn,
		exec:             exec,
		queue:            q,
		bus:              bus,
		log:              log.WithField("component", "dispatch"),
		status:           contracts.StatusIdle,
		queued:           map[string]struct{}{},
		watchers:         map[int]func(contracts.ActionStatus){},
	}
	bus.Subscribe(d.onBusEvent)
	return d
}

func (d *Dispatcher) Status() contracts.ActionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Err is the error of the most recent call, cleared when a new call starts.
func (d *Dispatcher) Err() *contracts.APIError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Watch calls fn on every status change.
func (d *Dispatcher) Watch(fn func(contracts.ActionStatus)) func() {
	d.mu.Lock()
	d.nextW++
	id := d.nextW
	d.watchers[id] = fn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			d.mu.Unlock()
		})
	}
}

// Execute runs or defers one mutating call. A nil Result with a nil error
// means the command was queued and will run on a later replay. Failures are
// returned as *contracts.APIError and also reported to the bus; the Result
// returned alongside carries the correlation id the failure was reported
// under.
func (d *Dispatcher) Execute(ctx context.Context, endpoint string, method contracts.Method, payload json.RawMessage, opts ...CallOption) (*Result, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	gen := d.begin()
	online := d.conn.IsOnline()
	if online && !o.noQueue && d.SerializeWhenQueued && d.queue.Len(ctx) > 0 {
		online = false
		defer d.kick()
	}
	if !online {
		if o.noQueue {
			return d.reject(gen, endpoint, method, o)
		}
		return d.enqueue(ctx, gen, endpoint, method, payload, o)
	}

	if o.correlationID == "" {
		o.correlationID = d.NewCorrelationID()
	}
	d.setStatus(gen, contracts.StatusPending, nil)
	started := d.Now()

	data, err := d.exec.Execute(ctx, endpoint, method, payload)
	if err != nil {
		apiErr := contracts.AsAPIError(err)
		d.setStatus(gen, contracts.StatusFailed, apiErr)
		d.bus.Report(contracts.ActionToastState{ID: o.correlationID, Status: contracts.StatusFailed, Error: apiErr, Silent: o.silent})
		d.observe(contracts.StatusFailed, started)
		d.log.WithFields(logrus.Fields{
			"action_id": o.correlationID,
			"method":    method,
			"endpoint":  endpoint,
			"status":    apiErr.Status,
		}).Warn("command failed")
		d.scheduleIdle(gen)
		return &Result{CorrelationID: o.correlationID}, apiErr
	}

	d.setStatus(gen, contracts.StatusSuccess, nil)
	d.bus.Report(contracts.ActionToastState{
		ID:             o.correlationID,
		Status:         contracts.StatusSuccess,
		SuccessMessage: o.successMessage,
		Silent:         o.silent,
	})
	d.observe(contracts.StatusSuccess, started)
	if d.Invalidate != nil {
		d.Invalidate(ctx, endpoint, method)
	}
	d.scheduleIdle(gen)
	return &Result{CorrelationID: o.correlationID, Data: data}, nil
}

func (d *Dispatcher) reject(gen uint64, endpoint string, method contracts.Method, o callOptions) (*Result, error) {
	if o.correlationID == "" {
		o.correlationID = d.NewCorrelationID()
	}
	apiErr := contracts.NewOfflineError("this action needs a connection")
	d.setStatus(gen, contracts.StatusFailed, apiErr)
	d.bus.Report(contracts.ActionToastState{ID: o.correlationID, Status: contracts.StatusFailed, Error: apiErr, Silent: o.silent})
	d.observe(contracts.StatusFailed, d.Now())
	d.log.WithFields(logrus.Fields{
		"action_id": o.correlationID,
		"method":    method,
		"endpoint":  endpoint,
	}).Info("rejected offline action")
	d.scheduleIdle(gen)
	return &Result{CorrelationID: o.correlationID}, apiErr
}

func (d *Dispatcher) enqueue(ctx context.Context, gen uint64, endpoint string, method contracts.Method, payload json.RawMessage, o callOptions) (*Result, error) {
	receipt, err := d.queue.Enqueue(ctx, contracts.NewCommand{Endpoint: endpoint, Method: method, Payload: payload})
	if err != nil {
		apiErr := &contracts.APIError{Status: http.StatusBadRequest, Message: err.Error()}
		switch {
		case errors.Is(err, queue.ErrUnavailable):
			apiErr.Status = http.StatusServiceUnavailable
		case !errors.Is(err, queue.ErrInvalidCommand):
			apiErr.Status = http.StatusInternalServerError
		}
		if o.correlationID == "" {
			o.correlationID = d.NewCorrelationID()
		}
		d.setStatus(gen, contracts.StatusFailed, apiErr)
		d.bus.Report(contracts.ActionToastState{ID: o.correlationID, Status: contracts.StatusFailed, Error: apiErr, Silent: o.silent})
		d.scheduleIdle(gen)
		return &Result{CorrelationID: o.correlationID}, apiErr
	}

	if o.correlationID == "" {
		// Without a caller id the queued report and the replay outcome
		// share the command id.
		o.correlationID = receipt.ID
	}
	d.mu.Lock()
	d.queued[receipt.ID] = struct{}{}
	d.mu.Unlock()
	d.setStatus(gen, contracts.StatusQueued, nil)
	d.bus.Report(contracts.ActionToastState{ID: o.correlationID, Status: contracts.StatusQueued, Silent: o.silent})
	d.observe(contracts.StatusQueued, d.Now())
	if receipt.Durability == contracts.Degraded {
		d.log.WithField("command_id", receipt.ID).Warn("command queued in memory only")
	}
	if o.onQueued != nil {
		o.onQueued(receipt)
	}
	return nil, nil
}

// onBusEvent returns a queued dispatcher to idle once replay succeeds for
// the last command it queued. Failed replays leave the command queued.
func (d *Dispatcher) onBusEvent(ev broadcast.Event) {
	if ev.Kind != broadcast.EventReported || ev.State.Status != contracts.StatusSuccess {
		return
	}
	d.Forget(ev.State.ID)
}

// Forget stops tracking queued commands that will not run again: replayed,
// dead-lettered or cleared.
func (d *Dispatcher) Forget(ids ...string) {
	d.mu.Lock()
	tracked := false
	for _, id := range ids {
		if _, ok := d.queued[id]; ok {
			delete(d.queued, id)
			tracked = true
		}
	}
	reset := tracked && d.status == contracts.StatusQueued && len(d.queued) == 0
	gen := d.gen
	d.mu.Unlock()
	if reset {
		d.setStatus(gen, contracts.StatusIdle, nil)
	}
}

func (d *Dispatcher) begin() uint64 {
	d.mu.Lock()
	d.gen++
	d.err = nil
	gen := d.gen
	d.mu.Unlock()
	return gen
}

func (d *Dispatcher) setStatus(gen uint64, status contracts.ActionStatus, err *contracts.APIError) {
	d.mu.Lock()
	if gen != d.gen || (d.status == status && err == nil) {
		d.mu.Unlock()
		return
	}
	d.status = status
	if err != nil {
		d.err = err
	}
	watchers := make([]func(contracts.ActionStatus), 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.mu.Unlock()
	for _, w := range watchers {
		w(status)
	}
}

func (d *Dispatcher) scheduleIdle(gen uint64) {
	d.AfterFunc(d.Cooldown, func() {
		d.setStatus(gen, contracts.StatusIdle, nil)
	})
}

func (d *Dispatcher) observe(status contracts.ActionStatus, started time.Time) {
	if d.Observe != nil {
		d.Observe(status, d.Now().Sub(started))
	}
}

func (d *Dispatcher) kick() {
	if d.Kick != nil {
		d.Kick()
	}
}

// ForgetAll drops every tracked queued command.
func (d *Dispatcher) ForgetAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queued))
	for id := range d.queued {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	d.Forget(ids...)
}
