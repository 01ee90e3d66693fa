package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAgentAddr   = "127.0.0.1:8090"
	DefaultUpstreamURL = "http://localhost:8080"
	DefaultNATSURL     = "nats://localhost:4222"
)

// Lookup reports whether key is set to a non-blank value.
func Lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func String(key, fallback string) string {
	v, ok := Lookup(key)
	if !ok {
		return fallback
	}
	return v
}

func Int(key string, fallback int) int {
	raw, ok := Lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func Bool(key string, fallback bool) bool {
	raw, ok := Lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func Duration(key string, fallback time.Duration) time.Duration {
	raw, ok := Lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
