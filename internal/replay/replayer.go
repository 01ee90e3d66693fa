package replay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/actions"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/executor"
	"github.com/todo-1m/offline/internal/platform/backoff"
	"github.com/todo-1m/offline/internal/queue"
)

type Queue interface {
	GetAll(ctx context.Context) ([]contracts.Command, error)
	Retries(ctx context.Context) (map[string]queue.Retry, error)
	Settle(ctx context.Context, st queue.Settlement) (contracts.Durability, error)
}

type Policy interface {
	Resolve(method contracts.Method, endpoint string) actions.Rule
}

type Connectivity interface {
	IsOnline() bool
	OnOnline(fn func()) func()
}

// Report summarizes one replay pass.
type Report struct {
	Skipped    bool                 `json:"skipped"`
	StartedAt  time.Time            `json:"started_at"`
	Duration   time.Duration        `json:"duration"`
	Attempted  int                  `json:"attempted"`
	Resolved   int                  `json:"resolved"`
	Failed     int                  `json:"failed"`
	Deferred   int                  `json:"deferred"`
	Dead       int                  `json:"dead"`
	Durability contracts.Durability `json:"durability,omitempty"`
	NextDue    time.Time            `json:"next_due,omitempty"`
}

// Replayer drains the queue in CreatedAt order. At most one pass runs at a
// time; overlapping triggers return a skipped report.
type Replayer struct {
	// CallTimeout bounds each executor call. Zero means no extra bound.
	CallTimeout  time.Duration
	OnResolved   func(ctx context.Context, cmd contracts.Command, data json.RawMessage)
	OnDeadLetter func(dl queue.DeadLetter)
	Observe      func(Report)

	Now       func() time.Time
	AfterFunc func(d time.Duration, fn func()) *time.Timer

	queue  Queue
	exec   executor.Executor
	policy Policy
	conn   Connectivity
	bus    *broadcast.Bus
	log    logrus.FieldLogger

	running atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	baseCtx  context.Context
	status   contracts.ActionStatus
	timer    *time.Timer
	last     Report
	watchers map[int]func(contracts.ActionStatus)
	nextW    int
}

func New(q Queue, exec executor.Executor, policy Policy, conn Connectivity, bus *broadcast.Bus, log logrus.FieldLogger) *Replayer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Replayer{
		Now:       time.Now,
		AfterFunc: time.AfterFunc,
		queue:     q,
		exec:      exec,
		policy:    policy,
		conn:      conn,
		bus:       bus,
		log:       log.WithField("component", "replay"),
		baseCtx:   context.Background(),
		status:    contracts.StatusIdle,
		watchers:  map[int]func(contracts.ActionStatus){},
	}
}

// Start replays on every offline->online transition and once now if
// already online. The returned func stops future triggers.
func (r *Replayer) Start(ctx context.Context) func() {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	unsubscribe := r.conn.OnOnline(r.Kick)
	if r.conn.IsOnline() {
		r.Kick()
	}
	return func() {
		unsubscribe()
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.mu.Unlock()
	}
}

// Kick starts a pass in the background.
func (r *Replayer) Kick() {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Sync(ctx)
	}()
}

// Wait blocks until every pass started by Kick has returned.
func (r *Replayer) Wait() {
	r.wg.Wait()
}

func (r *Replayer) Status() contracts.ActionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Replayer) Running() bool {
	return r.running.Load()
}

// LastReport is the most recent pass that was not skipped.
func (r *Replayer) LastReport() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Replayer) Watch(fn func(contracts.ActionStatus)) func() {
	r.mu.Lock()
	r.nextW++
	id := r.nextW
	r.watchers[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, id)
			r.mu.Unlock()
		})
	}
}

// SyncNow runs one pass on the context given to Start rather than on a
// request context, so a client going away does not interrupt it.
func (r *Replayer) SyncNow() Report {
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	return r.Sync(ctx)
}

// Sync runs one replay pass. Each command is isolated: a failure never stops
// the commands after it. A command interrupted by ctx is left as it was and
// the pass ends there.
func (r *Replayer) Sync(ctx context.Context) Report {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Debug("replay already running")
		return Report{Skipped: true}
	}
	defer r.running.Store(false)

	started := r.Now()
	rep := Report{StartedAt: started, Durability: contracts.Persisted}
	r.setStatus(contracts.StatusSyncing)
	defer r.setStatus(contracts.StatusIdle)

	items, err := r.queue.GetAll(ctx)
	if err != nil {
		r.log.WithError(err).Error("read queue for replay")
		return r.finish(rep, started)
	}
	if len(items) == 0 {
		return r.finish(rep, started)
	}
	retries, err := r.queue.Retries(ctx)
	if err != nil {
		r.log.WithError(err).Warn("read retry records")
		retries = map[string]queue.Retry{}
	}

	st := queue.Settlement{Failed: map[string]queue.Retry{}}
	var nextDue int64
	due := func(at int64) {
		if nextDue == 0 || at < nextDue {
			nextDue = at
		}
	}

	for _, cmd := range items {
		if ctx.Err() != nil {
			break
		}
		prev := retries[cmd.ID]
		nowMs := r.Now().UnixMilli()
		if prev.NextAttemptAt > nowMs {
			rep.Deferred++
			due(prev.NextAttemptAt)
			continue
		}

		rule := r.policy.Resolve(cmd.Method, cmd.Endpoint)
		data, err := r.execute(ctx, cmd)
		log := r.log.WithFields(logrus.Fields{
			"command_id": cmd.ID,
			"method":     cmd.Method,
			"endpoint":   cmd.Endpoint,
		})
		if err != nil && ctx.Err() != nil {
			rep.Deferred++
			log.WithError(err).Info("replay interrupted, command left untouched")
			break
		}
		rep.Attempted++
		if err == nil {
			rep.Resolved++
			st.Resolved = append(st.Resolved, cmd.ID)
			r.bus.Report(contracts.ActionToastState{
				ID:             cmd.ID,
				Status:         contracts.StatusSuccess,
				SuccessMessage: rule.SuccessMessage,
				Silent:         rule.Silent,
			})
			log.Info("command replayed")
			if r.OnResolved != nil {
				r.OnResolved(ctx, cmd, data)
			}
			continue
		}

		apiErr := contracts.AsAPIError(err)
		attempts := prev.Attempts + 1
		r.bus.Report(contracts.ActionToastState{ID: cmd.ID, Status: contracts.StatusFailed, Error: apiErr})
		log = log.WithFields(logrus.Fields{"status": apiErr.Status, "attempts": attempts})

		switch {
		case apiErr.ClientError():
			rep.Dead++
			st.Dead = append(st.Dead, r.deadLetter(cmd, attempts, apiErr))
			log.Warn("command rejected on replay, moved to dead letters")
		case attempts >= rule.MaxAttempts:
			rep.Dead++
			st.Dead = append(st.Dead, r.deadLetter(cmd, attempts, apiErr))
			log.Warn("command out of attempts, moved to dead letters")
		default:
			rep.Failed++
			next := nowMs + backoff.Exponential(attempts-1, rule.BaseBackoff, rule.MaxBackoff).Milliseconds()
			st.Failed[cmd.ID] = queue.Retry{
				Attempts:      attempts,
				NextAttemptAt: next,
				LastError:     apiErr.Message,
				LastStatus:    apiErr.Status,
			}
			due(next)
			log.Info("command replay failed, kept in queue")
		}
	}

	// The outcomes above already happened upstream; record them even when
	// ctx is done.
	durability, err := r.queue.Settle(context.WithoutCancel(ctx), st)
	if err != nil {
		r.log.WithError(err).Error("settle replay pass")
	}
	rep.Durability = durability
	if durability == contracts.Degraded {
		r.log.Warn("replay outcome kept in memory only")
	}

	for _, dl := range st.Dead {
		if r.OnDeadLetter != nil {
			r.OnDeadLetter(dl)
		}
	}
	if nextDue > 0 {
		rep.NextDue = time.UnixMilli(nextDue)
		r.scheduleFollowUp(rep.NextDue)
	}
	return r.finish(rep, started)
}

func (r *Replayer) execute(ctx context.Context, cmd contracts.Command) (json.RawMessage, error) {
	callCtx := executor.WithCommandID(ctx, cmd.ID)
	if r.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.CallTimeout)
		defer cancel()
	}
	return r.exec.Execute(callCtx, cmd.Endpoint, cmd.Method, cmd.Payload)
}

func (r *Replayer) deadLetter(cmd contracts.Command, attempts int, apiErr *contracts.APIError) queue.DeadLetter {
	return queue.DeadLetter{
		Command:  cmd,
		Attempts: attempts,
		Reason:   apiErr.Message,
		Status:   apiErr.Status,
		DeadAt:   r.Now().UnixMilli(),
	}
}

// scheduleFollowUp arms one pass at the earliest due retry. Only the latest
// schedule is kept.
func (r *Replayer) scheduleFollowUp(at time.Time) {
	if !r.conn.IsOnline() {
		return
	}
	delay := at.Sub(r.Now())
	if delay < 0 {
		delay = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = r.AfterFunc(delay, r.Kick)
	r.log.WithField("delay", delay.String()).Debug("follow-up replay scheduled")
}

func (r *Replayer) finish(rep Report, started time.Time) Report {
	rep.Duration = r.Now().Sub(started)
	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	if rep.Attempted > 0 || rep.Deferred > 0 {
		r.log.WithFields(logrus.Fields{
			"attempted": rep.Attempted,
			"resolved":  rep.Resolved,
			"failed":    rep.Failed,
			"deferred":  rep.Deferred,
			"dead":      rep.Dead,
		}).Info("replay pass finished")
	}
	if r.Observe != nil {
		r.Observe(rep)
	}
	return rep
}

func (r *Replayer) setStatus(status contracts.ActionStatus) {
	r.mu.Lock()
	if r.status == status {
		r.mu.Unlock()
		return
	}
	r.status = status
	watchers := make([]func(contracts.ActionStatus), 0, len(r.watchers))
	for _, w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()
	for _, w := range watchers {
		w(status)
	}
}
