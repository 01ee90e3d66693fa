// Package agent wires the offline agent together from its configuration.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/actions"
	"github.com/todo-1m/offline/internal/app/agentapi"
	"github.com/todo-1m/offline/internal/broadcast"
	"github.com/todo-1m/offline/internal/config"
	"github.com/todo-1m/offline/internal/connectivity"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/dispatch"
	"github.com/todo-1m/offline/internal/executor"
	"github.com/todo-1m/offline/internal/notify"
	"github.com/todo-1m/offline/internal/platform/auth"
	"github.com/todo-1m/offline/internal/platform/metrics"
	"github.com/todo-1m/offline/internal/platform/natsutil"
	"github.com/todo-1m/offline/internal/queue"
	"github.com/todo-1m/offline/internal/replay"
	"github.com/todo-1m/offline/internal/storage"
)

const (
	natsConnectTimeout = 20 * time.Second
	shutdownTimeout    = 10 * time.Second
	readyTimeout       = 1500 * time.Millisecond

	// TokenTTL is the lifetime of tokens minted for agent clients.
	TokenTTL = 24 * time.Hour
)

// Agent owns every long-lived component of one agent process.
type Agent struct {
	Config     config.Config
	Monitor    *connectivity.Monitor
	Bus        *broadcast.Bus
	Store      *queue.Store
	Dispatcher *dispatch.Dispatcher
	Caller     *actions.Caller
	Replayer   *replay.Replayer
	Hub        *notify.Hub
	Observer   *notify.Observer
	Metrics    *metrics.Agent

	// Terminal receives the colored notification lines when
	// notify.terminal is set. Defaults to stdout.
	Terminal io.Writer

	log      logrus.FieldLogger
	backend  storage.Backend
	nats     *natsutil.Client
	registry *metrics.Registry
	handler  *agentapi.Handler
	prober   *connectivity.Prober

	closeOnce sync.Once
	stops     []func()
}

// New builds the agent. Nothing runs until Start or Run.
func New(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*Agent, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Config:   cfg,
		Monitor:  connectivity.NewMonitor(cfg.Connectivity.InitialOnline, log),
		Bus:      broadcast.NewBus(),
		Hub:      notify.NewHub(cfg.Agent.RecentCap),
		Terminal: os.Stdout,
		log:      log.WithField("component", "agent"),
		registry: metrics.NewRegistry(),
	}

	if cfg.NATS.Enabled {
		a.nats, err = natsutil.ConnectWithRetry(natsutil.Options{
			URL:    cfg.NATS.URL,
			Name:   "offline-agent",
			OnUp:   func() { a.Monitor.Set(true) },
			OnDown: func() { a.Monitor.Set(false) },
			Log:    log,
		}, natsConnectTimeout)
		if err != nil {
			return nil, err
		}
	}

	opts := storage.Options{
		Driver:      cfg.Queue.Driver,
		Path:        cfg.Queue.Path,
		DatabaseURL: cfg.Queue.DatabaseURL,
		SealSecret:  cfg.Queue.SealSecret,
	}
	if cfg.Queue.Driver == storage.DriverNATS {
		if a.nats == nil {
			return nil, errors.New("the nats queue driver needs a nats connection")
		}
		if opts.KV, err = a.nats.QueueBucket(cfg.Queue.KVBucket); err != nil {
			a.Close()
			return nil, fmt.Errorf("open queue bucket: %w", err)
		}
	}
	if a.backend, err = storage.Open(ctx, opts); err != nil {
		a.Close()
		return nil, fmt.Errorf("open queue storage: %w", err)
	}
	a.Store = queue.NewStore(a.backend, log)

	exec, err := a.executor()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = metrics.NewAgent(a.registry,
		func() int { return a.Store.Len(context.Background()) },
		func() int {
			dead, _ := a.Store.DeadLetters(context.Background())
			return len(dead)
		},
		a.Store.Degraded,
	)
	metrics.RegisterRuntime(a.registry)

	a.Dispatcher = dispatch.New(a.Monitor, exec, a.Store, a.Bus, log)
	a.Dispatcher.Cooldown = cfg.Dispatch.Cooldown
	a.Dispatcher.SerializeWhenQueued = cfg.Dispatch.SerializeWhenQueued
	a.Dispatcher.Observe = func(status contracts.ActionStatus, elapsed time.Duration) {
		a.Metrics.ObserveDispatch(string(status), elapsed)
	}

	a.Replayer = replay.New(a.Store, exec, policy, a.Monitor, a.Bus, log)
	a.Replayer.CallTimeout = cfg.Dispatch.CallTimeout
	a.Replayer.OnDeadLetter = func(dl queue.DeadLetter) { a.Dispatcher.Forget(dl.Command.ID) }
	a.Replayer.Observe = func(rep replay.Report) {
		a.Metrics.ObserveReplay(rep.Skipped, rep.Resolved, rep.Failed, rep.Deferred, rep.Dead, rep.Duration)
	}
	a.Dispatcher.Kick = a.Replayer.Kick

	a.Caller = actions.NewCaller(policy, a.Dispatcher, a.Monitor, a.Bus, log)

	sinks := []notify.Sink{
		notify.LogSink{Log: log.WithField("component", "notify")},
		a.Hub,
		notify.SinkFunc(func(n contracts.Notification) { a.Metrics.ObserveNotification(string(n.Variant)) }),
	}
	if cfg.Notify.Terminal {
		sinks = append(sinks, notify.NewTerminalSink(terminalWriter{a}))
	}
	a.Observer = notify.NewObserver(cfg.Notify.HistoryCap, log, sinks...)
	a.stops = append(a.stops, a.Observer.Attach(a.Bus))

	if cfg.Connectivity.ProbeURL != "" {
		a.prober = connectivity.NewProber(a.Monitor,
			connectivity.HTTPCheck(nil, cfg.Connectivity.ProbeURL),
			cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeMaxInterval, log)
	}

	a.handler = agentapi.NewHandler(log)
	a.handler.Caller = a.Caller
	a.handler.Queue = a.Store
	a.handler.Replayer = a.Replayer
	a.handler.Conn = a.Monitor
	a.handler.Dispatcher = a.Dispatcher
	a.handler.Bus = a.Bus
	a.handler.Hub = a.Hub
	a.handler.Policy = policy
	a.handler.Metrics = a.registry.Handler()
	a.handler.Ready = a.ready
	a.handler.AllowedOrigins = cfg.Agent.AllowedOrigins
	if cfg.Agent.JWTSecret != "" {
		tokens := auth.NewManager(cfg.Agent.JWTSecret, TokenTTL)
		a.handler.Tokens = &tokens
	}
	return a, nil
}

// terminalWriter defers the Terminal lookup so callers can swap it after New.
type terminalWriter struct{ a *Agent }

func (w terminalWriter) Write(p []byte) (int, error) {
	if w.a.Terminal == nil {
		return len(p), nil
	}
	return w.a.Terminal.Write(p)
}

func (a *Agent) executor() (executor.Executor, error) {
	up := a.Config.Upstream
	if up.Kind == "jetstream" {
		if a.nats == nil {
			return nil, errors.New("the jetstream upstream needs a nats connection")
		}
		return executor.NewJetStream(a.nats.JS), nil
	}
	opts := []executor.HTTPOption{executor.WithTimeout(up.Timeout)}
	if up.Token != "" {
		token := up.Token
		opts = append(opts, executor.WithBearerToken(func() string { return token }))
	}
	h, err := executor.NewHTTP(up.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if a.Config.Connectivity.DetectTransportErrors {
		h.OnTransportError = func(err error) {
			a.log.WithError(err).Debug("upstream unreachable")
			a.Monitor.Set(false)
		}
		h.OnResponse = func() { a.Monitor.Set(true) }
	}
	return h, nil
}

func (a *Agent) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if p, ok := a.backend.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("queue storage: %w", err)
		}
	}
	if a.Config.NATS.Enabled && !a.nats.Connected() {
		return errors.New("nats is not connected")
	}
	return nil
}

// Handler is the agent API.
func (a *Agent) Handler() http.Handler {
	return a.handler.Router()
}

// Start launches the background work: replay on reconnect and, when a probe
// URL is configured, the readiness prober.
func (a *Agent) Start(ctx context.Context) {
	a.stops = append(a.stops, a.Replayer.Start(ctx))
	if a.prober != nil {
		probeCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.prober.Run(probeCtx)
		}()
		a.stops = append(a.stops, func() {
			cancel()
			<-done
		})
	}
}

// Run serves the agent API on cfg.Agent.Addr until ctx is done, then shuts
// the server down gracefully.
func (a *Agent) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Agent.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	a.Start(ctx)
	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.log.WithFields(logrus.Fields{
		"addr":     ln.Addr().String(),
		"online":   a.Monitor.IsOnline(),
		"upstream": a.Config.Upstream.Kind,
		"driver":   a.Config.Queue.Driver,
	}).Info("offline agent listening")

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("graceful shutdown failed")
	}
	return nil
}

// Close stops background work, waits for an in-flight replay pass and
// releases storage and the NATS connection. Safe to call more than once.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		for i := len(a.stops) - 1; i >= 0; i-- {
			a.stops[i]()
		}
		if a.Replayer != nil {
			a.Replayer.Wait()
		}
		if a.backend != nil {
			if err := a.backend.Close(); err != nil {
				a.log.WithError(err).Warn("close queue storage")
			}
		}
		a.nats.Close()
	})
}
