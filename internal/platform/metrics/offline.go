package metrics

import "time"

// Agent groups the offline agent's collectors.
type Agent struct {
	Dispatch       *CounterVec
	Replay         *CounterVec
	ReplayPasses   *CounterVec
	ReplayDuration *Histogram
	Notifications  *CounterVec
}

// NewAgent registers the agent collectors on r. queueDepth and degraded are
// read at scrape time.
func NewAgent(r *Registry, queueDepth func() int, deadLetters func() int, degraded func() bool) *Agent {
	a := &Agent{
		Dispatch: NewCounterVec(Opts{
			Name: "offline_dispatch_total",
			Help: "Dispatched commands by outcome.",
		}, "status"),
		Replay: NewCounterVec(Opts{
			Name: "offline_replay_commands_total",
			Help: "Replayed commands by outcome.",
		}, "outcome"),
		ReplayPasses: NewCounterVec(Opts{
			Name: "offline_replay_passes_total",
			Help: "Replay passes, including skipped ones.",
		}, "result"),
		ReplayDuration: NewHistogram(Opts{
			Name: "offline_replay_pass_seconds",
			Help: "Duration of replay passes.",
		}, DefBuckets),
		Notifications: NewCounterVec(Opts{
			Name: "offline_notifications_total",
			Help: "Notifications emitted by variant.",
		}, "variant"),
	}
	r.MustRegister(
		a.Dispatch, a.Replay, a.ReplayPasses, a.ReplayDuration, a.Notifications,
		NewGaugeFunc(Opts{Name: "offline_queue_depth", Help: "Commands waiting for replay."}, func() float64 {
			return float64(queueDepth())
		}),
		NewGaugeFunc(Opts{Name: "offline_dead_letters", Help: "Commands replay gave up on."}, func() float64 {
			return float64(deadLetters())
		}),
		NewGaugeFunc(Opts{Name: "offline_storage_degraded", Help: "1 while the queue lives in memory only."}, func() float64 {
			if degraded() {
				return 1
			}
			return 0
		}),
	)
	return a
}

func (a *Agent) ObserveDispatch(status string, _ time.Duration) {
	a.Dispatch.Inc(status)
}

// ObserveReplay records one pass. Skipped passes only count toward passes.
func (a *Agent) ObserveReplay(skipped bool, resolved, failed, deferred, dead int, elapsed time.Duration) {
	if skipped {
		a.ReplayPasses.Inc("skipped")
		return
	}
	a.ReplayPasses.Inc("completed")
	a.Replay.Add(float64(resolved), "resolved")
	a.Replay.Add(float64(failed), "failed")
	a.Replay.Add(float64(deferred), "deferred")
	a.Replay.Add(float64(dead), "dead")
	a.ReplayDuration.Observe(elapsed.Seconds())
}

func (a *Agent) ObserveNotification(variant string) {
	a.Notifications.Inc(variant)
}
