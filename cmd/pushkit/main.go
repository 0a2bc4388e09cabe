package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/pushkit/pkg/api"
	"github.com/dmitrymomot/pushkit/pkg/config"
	"github.com/dmitrymomot/pushkit/pkg/engine"
	"github.com/dmitrymomot/pushkit/pkg/httpserver"
	"github.com/dmitrymomot/pushkit/pkg/logger"
	"github.com/dmitrymomot/pushkit/pkg/sse"
	"github.com/dmitrymomot/pushkit/pkg/store"
	"github.com/dmitrymomot/pushkit/pkg/ws"
)

type appConfig struct {
	StoreBackend string `env:"PUSHKIT_STORE" envDefault:"memory"` // memory, postgres or redis
	LogLevel     string `env:"PUSHKIT_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"PUSHKIT_LOG_FORMAT" envDefault:"json"` // json or text

	Engine engine.Config
	HTTP   httpserver.Config
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	st, closeStore, err := openStore(ctx, cfg.StoreBackend)
	if err != nil {
		return err
	}
	defer closeStore()

	eng := engine.New(st, cfg.Engine, engine.WithLogger(log))
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("engine shutdown", logger.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	checks := make([]func(context.Context) error, 0, 1)
	if pinger, ok := st.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, pinger.Ping)
	}
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log, checks...))

	sse.NewHandler(eng, sse.WithLogger(log)).Routes(r)
	ws.NewHandler(eng, ws.WithLogger(log)).Routes(r)
	r.Route("/api/v1", api.NewHandler(eng, api.WithLogger(log)).Routes)

	srv := httpserver.New(cfg.HTTP, httpserver.WithLogger(log))
	return srv.Run(ctx, r)
}

// openStore selects the persistence backend. The returned closer is a no-op
// for the in-memory store.
func openStore(ctx context.Context, backend string) (store.Store, func(), error) {
	switch strings.ToLower(backend) {
	case "", "memory":
		return store.NewMemoryStore(), func() {}, nil

	case "postgres":
		var cfg store.PostgresConfig
		if err := config.Load(&cfg); err != nil {
			return nil, nil, err
		}
		st, err := store.ConnectPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil

	case "redis":
		var cfg store.RedisConfig
		if err := config.Load(&cfg); err != nil {
			return nil, nil, err
		}
		st, err := store.ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
