package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/syncrelay/internal/logctx"
	"github.com/joeshaw/envdecode"
)

// config is loaded from the environment. Redis connection settings are read
// separately by redisstore.NewFromEnv.
type config struct {
	Addr      string `env:"SYNCRELAY_ADDR,default=:8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Store       string        `env:"SYNCRELAY_STORE,default=memory"`
	SessionTTL  time.Duration `env:"SYNCRELAY_SESSION_TTL,default=2h"`
	MaxSessions int           `env:"SYNCRELAY_MEMORY_MAX_SESSIONS,default=10000"`

	CallbackURL        string `env:"SYNCRELAY_CALLBACK_URL"`
	CallbackSigningKey string `env:"SYNCRELAY_CALLBACK_SIGNING_KEY"`

	ShutdownTimeout time.Duration `env:"SYNCRELAY_SHUTDOWN_TIMEOUT,default=15s"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return config{}, fmt.Errorf("decode config: %w", err)
	}

	switch cfg.Store {
	case "memory", "redis":
	default:
		return config{}, fmt.Errorf("unsupported SYNCRELAY_STORE %q: want memory or redis", cfg.Store)
	}
	if cfg.SessionTTL <= 0 {
		return config{}, fmt.Errorf("SYNCRELAY_SESSION_TTL must be positive")
	}

	return cfg, nil
}

func (c config) logHandler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(c.LogFormat) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q: want json or text", c.LogFormat)
	}

	return logctx.Handler{Handler: h}, nil
}
