package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/todo-1m/offline/internal/actions"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/platform/env"
)

const (
	defaultConfigPath = "~/.config/offline-agent/config.toml"
	defaultQueuePath  = "~/.local/share/offline-agent/queue.db"
	defaultKVBucket   = "OFFLINE_QUEUE"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Upstream     Upstream
	Agent        Agent
	Queue        Queue
	NATS         NATS
	Connectivity Connectivity
	Dispatch     Dispatch
	Notify       Notify
	Log          Log
	Actions      []actions.Rule
	Fallback     actions.Rule
}

// Upstream is where commands are executed.
type Upstream struct {
	Kind    string `validate:"oneof=http jetstream"`
	BaseURL string `validate:"omitempty,url"`
	Token   string
	Timeout time.Duration `validate:"gt=0"`
}

type Agent struct {
	Addr           string `validate:"required,hostname_port"`
	JWTSecret      string
	AllowedOrigins []string
	RecentCap      int `validate:"gte=1"`
}

type Queue struct {
	Driver      string `validate:"oneof=memory file sqlite postgres nats"`
	Path        string `validate:"required_if=Driver file,required_if=Driver sqlite"`
	DatabaseURL string `validate:"required_if=Driver postgres"`
	KVBucket    string `validate:"required_if=Driver nats"`
	SealSecret  string
}

type NATS struct {
	URL     string
	Enabled bool
}

type Connectivity struct {
	InitialOnline         bool
	ProbeURL              string `validate:"omitempty,url"`
	ProbeInterval         time.Duration
	ProbeMaxInterval      time.Duration
	DetectTransportErrors bool
}

type Dispatch struct {
	Cooldown            time.Duration `validate:"gte=0"`
	SerializeWhenQueued bool
	CallTimeout         time.Duration `validate:"gte=0"`
}

type Notify struct {
	HistoryCap int `validate:"gte=1"`
	Terminal   bool
}

type Log struct {
	Level  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `validate:"oneof=json text"`
}

type rawConfig struct {
	Upstream struct {
		Kind    string `toml:"kind"`
		BaseURL string `toml:"base_url"`
		Token   string `toml:"token"`
		Timeout string `toml:"timeout"`
	} `toml:"upstream"`
	Agent struct {
		Addr           string   `toml:"addr"`
		JWTSecret      string   `toml:"jwt_secret"`
		AllowedOrigins []string `toml:"allowed_origins"`
		RecentCap      int      `toml:"recent_cap"`
	} `toml:"agent"`
	Queue struct {
		Driver      string `toml:"driver"`
		Path        string `toml:"path"`
		DatabaseURL string `toml:"database_url"`
		KVBucket    string `toml:"kv_bucket"`
		SealSecret  string `toml:"seal_secret"`
	} `toml:"queue"`
	NATS struct {
		URL     string `toml:"url"`
		Enabled *bool  `toml:"enabled"`
	} `toml:"nats"`
	Connectivity struct {
		InitialOnline         *bool  `toml:"initial_online"`
		ProbeURL              string `toml:"probe_url"`
		ProbeInterval         string `toml:"probe_interval"`
		ProbeMaxInterval      string `toml:"probe_max_interval"`
		DetectTransportErrors bool   `toml:"detect_transport_errors"`
	} `toml:"connectivity"`
	Dispatch struct {
		Cooldown            string `toml:"cooldown"`
		SerializeWhenQueued bool   `toml:"serialize_when_queued"`
		CallTimeout         string `toml:"call_timeout"`
	} `toml:"dispatch"`
	Notify struct {
		HistoryCap int   `toml:"history_cap"`
		Terminal   *bool `toml:"terminal"`
	} `toml:"notify"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Retry   rawRule   `toml:"retry"`
	Actions []rawRule `toml:"actions"`
}

type rawRule struct {
	Name           string `toml:"name"`
	Method         string `toml:"method"`
	Pattern        string `toml:"pattern"`
	Queueable      bool   `toml:"queueable"`
	Silent         bool   `toml:"silent"`
	SuccessMessage string `toml:"success_message"`
	MaxAttempts    int    `toml:"max_attempts"`
	BaseBackoff    string `toml:"base_backoff"`
	MaxBackoff     string `toml:"max_backoff"`
}

// Default is the configuration used when no file exists.
func Default() Config {
	return Config{
		Upstream: Upstream{Kind: "http", BaseURL: env.DefaultUpstreamURL, Timeout: 15 * time.Second},
		Agent:    Agent{Addr: env.DefaultAgentAddr, RecentCap: 50},
		Queue:    Queue{Driver: "sqlite", Path: mustExpand(defaultQueuePath), KVBucket: defaultKVBucket},
		NATS:     NATS{URL: env.DefaultNATSURL},
		Connectivity: Connectivity{
			InitialOnline:    true,
			ProbeInterval:    time.Second,
			ProbeMaxInterval: 30 * time.Second,
		},
		Dispatch: Dispatch{Cooldown: 2 * time.Second},
		Notify:   Notify{HistoryCap: 200, Terminal: true},
		Log:      Log{Level: "info", Format: "text"},
		Fallback: actions.DefaultRule,
	}
}

// Load reads the TOML file at path (or the default location), then applies
// OFFLINE_* environment overrides and validates the result. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		bytes, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var raw rawConfig
		if err := toml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
		if err := apply(&cfg, raw); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Upstream.Kind == "http" && c.Upstream.BaseURL == "" {
		return fmt.Errorf("%w: upstream.base_url is required for the http upstream", ErrInvalid)
	}
	if c.Upstream.Kind == "jetstream" && !c.NATS.Enabled {
		return fmt.Errorf("%w: the jetstream upstream needs nats.enabled", ErrInvalid)
	}
	if c.Queue.Driver == "nats" && !c.NATS.Enabled {
		return fmt.Errorf("%w: the nats queue driver needs nats.enabled", ErrInvalid)
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Policy builds the action policy from the [[actions]] rules.
func (c Config) Policy() (*actions.Policy, error) {
	return actions.NewPolicy(c.Actions, c.Fallback)
}

func apply(cfg *Config, raw rawConfig) error {
	var err error
	setString(&cfg.Upstream.Kind, strings.ToLower(raw.Upstream.Kind))
	setString(&cfg.Upstream.BaseURL, raw.Upstream.BaseURL)
	setString(&cfg.Upstream.Token, raw.Upstream.Token)
	if cfg.Upstream.Timeout, err = parseDuration("upstream.timeout", raw.Upstream.Timeout, cfg.Upstream.Timeout); err != nil {
		return err
	}

	setString(&cfg.Agent.Addr, raw.Agent.Addr)
	setString(&cfg.Agent.JWTSecret, raw.Agent.JWTSecret)
	if len(raw.Agent.AllowedOrigins) > 0 {
		cfg.Agent.AllowedOrigins = raw.Agent.AllowedOrigins
	}
	if raw.Agent.RecentCap > 0 {
		cfg.Agent.RecentCap = raw.Agent.RecentCap
	}

	setString(&cfg.Queue.Driver, strings.ToLower(raw.Queue.Driver))
	if strings.TrimSpace(raw.Queue.Path) != "" {
		cfg.Queue.Path = mustExpand(raw.Queue.Path)
	}
	setString(&cfg.Queue.DatabaseURL, raw.Queue.DatabaseURL)
	setString(&cfg.Queue.KVBucket, raw.Queue.KVBucket)
	setString(&cfg.Queue.SealSecret, raw.Queue.SealSecret)

	setString(&cfg.NATS.URL, raw.NATS.URL)
	if raw.NATS.Enabled != nil {
		cfg.NATS.Enabled = *raw.NATS.Enabled
	}

	if raw.Connectivity.InitialOnline != nil {
		cfg.Connectivity.InitialOnline = *raw.Connectivity.InitialOnline
	}
	setString(&cfg.Connectivity.ProbeURL, raw.Connectivity.ProbeURL)
	if cfg.Connectivity.ProbeInterval, err = parseDuration("connectivity.probe_interval", raw.Connectivity.ProbeInterval, cfg.Connectivity.ProbeInterval); err != nil {
		return err
	}
	if cfg.Connectivity.ProbeMaxInterval, err = parseDuration("connectivity.probe_max_interval", raw.Connectivity.ProbeMaxInterval, cfg.Connectivity.ProbeMaxInterval); err != nil {
		return err
	}
	cfg.Connectivity.DetectTransportErrors = raw.Connectivity.DetectTransportErrors

	if cfg.Dispatch.Cooldown, err = parseDuration("dispatch.cooldown", raw.Dispatch.Cooldown, cfg.Dispatch.Cooldown); err != nil {
		return err
	}
	if cfg.Dispatch.CallTimeout, err = parseDuration("dispatch.call_timeout", raw.Dispatch.CallTimeout, cfg.Dispatch.CallTimeout); err != nil {
		return err
	}
	cfg.Dispatch.SerializeWhenQueued = raw.Dispatch.SerializeWhenQueued

	if raw.Notify.HistoryCap > 0 {
		cfg.Notify.HistoryCap = raw.Notify.HistoryCap
	}
	if raw.Notify.Terminal != nil {
		cfg.Notify.Terminal = *raw.Notify.Terminal
	}

	setString(&cfg.Log.Level, strings.ToLower(raw.Log.Level))
	setString(&cfg.Log.Format, strings.ToLower(raw.Log.Format))

	fallback, err := raw.Retry.rule("retry", cfg.Fallback)
	if err != nil {
		return err
	}
	fallback.Queueable = raw.Retry.Queueable
	cfg.Fallback = fallback

	cfg.Actions = make([]actions.Rule, 0, len(raw.Actions))
	for i, r := range raw.Actions {
		rule, err := r.rule(fmt.Sprintf("actions[%d]", i), actions.Rule{})
		if err != nil {
			return err
		}
		cfg.Actions = append(cfg.Actions, rule)
	}
	return nil
}

func (r rawRule) rule(field string, base actions.Rule) (actions.Rule, error) {
	out := base
	setString(&out.Name, r.Name)
	if strings.TrimSpace(r.Method) != "" {
		out.Method = contracts.Method(strings.ToUpper(strings.TrimSpace(r.Method)))
	}
	setString(&out.Pattern, r.Pattern)
	out.Queueable = r.Queueable
	out.Silent = r.Silent
	setString(&out.SuccessMessage, r.SuccessMessage)
	if r.MaxAttempts > 0 {
		out.MaxAttempts = r.MaxAttempts
	}
	var err error
	if out.BaseBackoff, err = parseDuration(field+".base_backoff", r.BaseBackoff, out.BaseBackoff); err != nil {
		return actions.Rule{}, err
	}
	if out.MaxBackoff, err = parseDuration(field+".max_backoff", r.MaxBackoff, out.MaxBackoff); err != nil {
		return actions.Rule{}, err
	}
	return out, nil
}

func applyEnv(cfg *Config) error {
	cfg.Upstream.Kind = env.String("OFFLINE_UPSTREAM_KIND", cfg.Upstream.Kind)
	cfg.Upstream.BaseURL = env.String("OFFLINE_UPSTREAM_URL", cfg.Upstream.BaseURL)
	cfg.Upstream.Token = env.String("OFFLINE_UPSTREAM_TOKEN", cfg.Upstream.Token)
	cfg.Agent.Addr = env.String("OFFLINE_AGENT_ADDR", cfg.Agent.Addr)
	cfg.Agent.JWTSecret = env.String("OFFLINE_JWT_SECRET", cfg.Agent.JWTSecret)
	cfg.Queue.Driver = env.String("OFFLINE_QUEUE_DRIVER", cfg.Queue.Driver)
	if v, ok := env.Lookup("OFFLINE_QUEUE_PATH"); ok {
		cfg.Queue.Path = mustExpand(v)
	}
	cfg.Queue.DatabaseURL = env.String("OFFLINE_DATABASE_URL", cfg.Queue.DatabaseURL)
	cfg.Queue.SealSecret = env.String("OFFLINE_SEAL_SECRET", cfg.Queue.SealSecret)
	cfg.NATS.URL = env.String("OFFLINE_NATS_URL", cfg.NATS.URL)
	cfg.NATS.Enabled = env.Bool("OFFLINE_NATS_ENABLED", cfg.NATS.Enabled)
	cfg.Connectivity.ProbeURL = env.String("OFFLINE_PROBE_URL", cfg.Connectivity.ProbeURL)
	cfg.Dispatch.SerializeWhenQueued = env.Bool("OFFLINE_SERIALIZE_WHEN_QUEUED", cfg.Dispatch.SerializeWhenQueued)
	cfg.Log.Level = strings.ToLower(env.String("OFFLINE_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(env.String("OFFLINE_LOG_FORMAT", cfg.Log.Format))
	if raw, ok := env.Lookup("OFFLINE_DISPATCH_COOLDOWN"); ok {
		d, err := parseDuration("OFFLINE_DISPATCH_COOLDOWN", raw, cfg.Dispatch.Cooldown)
		if err != nil {
			return err
		}
		cfg.Dispatch.Cooldown = d
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	return d, nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if trimmed == ":memory:" {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
