package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/todo-1m/offline/internal/app/agent"
	"github.com/todo-1m/offline/internal/config"
	"github.com/todo-1m/offline/internal/platform/auth"
	"github.com/todo-1m/offline/internal/platform/env"
	"github.com/todo-1m/offline/internal/platform/logging"
)

const usage = `usage:
  offline-agent [run] [-config path]
  offline-agent token [-config path] [-subject name] [-scope agent:read,agent:write] [-ttl 24h]`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(args)
	case "token":
		err = mintToken(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", env.String("OFFLINE_CONFIG", ""), "path to config.toml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(runCtx)
}

func mintToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", env.String("OFFLINE_CONFIG", ""), "path to config.toml")
	subject := fs.String("subject", "local-ui", "token subject")
	scopes := fs.String("scope", auth.ScopeRead+","+auth.ScopeWrite, "comma separated scopes")
	ttl := fs.Duration("ttl", agent.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Agent.JWTSecret == "" {
		return errors.New("agent.jwt_secret is not set; the agent API runs without tokens")
	}
	if *ttl <= 0 {
		*ttl = time.Hour
	}

	var list []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	token, err := auth.NewManager(cfg.Agent.JWTSecret, *ttl).Sign(*subject, list...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
