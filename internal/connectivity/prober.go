package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/platform/backoff"
)

const (
	defaultProbeInterval    = time.Second
	defaultProbeMaxInterval = 30 * time.Second
)

// CheckFunc reports nil when the upstream is reachable.
type CheckFunc func(ctx context.Context) error

// Prober flips a Monitor back online once a readiness check passes. It only
// probes while the monitor is offline.
type Prober struct {
	Monitor     *Monitor
	Check       CheckFunc
	Interval    time.Duration
	MaxInterval time.Duration
	Log         logrus.FieldLogger
}

func NewProber(monitor *Monitor, check CheckFunc, interval, maxInterval time.Duration, log logrus.FieldLogger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if maxInterval <= 0 {
		maxInterval = defaultProbeMaxInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Prober{
		Monitor:     monitor,
		Check:       check,
		Interval:    interval,
		MaxInterval: maxInterval,
		Log:         log.WithField("component", "prober"),
	}
}

// Run blocks until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	wake := make(chan struct{}, 1)
	unsubscribe := p.Monitor.OnOffline(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	failures := 0
	for {
		if p.Monitor.IsOnline() {
			failures = 0
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			continue
		}

		err := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			p.Log.Info("upstream reachable again")
			p.Monitor.Set(true)
			failures = 0
			continue
		}

		delay := backoff.Exponential(failures, p.Interval, p.MaxInterval)
		failures++
		p.Log.WithFields(logrus.Fields{"attempt": failures, "retry_in": delay.String()}).
			WithError(err).Debug("readiness probe failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// HTTPCheck probes requestURL and expects a 200.
func HTTPCheck(client *http.Client, requestURL string) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status=%d", resp.StatusCode)
		}
		return nil
	}
}
