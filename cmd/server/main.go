package main

import (
	"barmatch/internal/realtime"
	"barmatch/internal/server"
	"barmatch/internal/session"
	"barmatch/internal/storage"
	"context"
	"github.com/caarlos0/env/v6"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// appConfig selects the backends, the rest is configured by each package's EnvConfig
type appConfig struct {
	// Backend is "postgres" for pgx storage with redis presence, or "memory" for a single process
	Backend     string `env:"BACKEND" envDefault:"memory"`
	LogMode     string `env:"LOG_MODE" envDefault:"development"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"barmatch"`

	// PresenceLease is how long a presence member outlives the process that stopped renewing it
	PresenceLease time.Duration `env:"PRESENCE_LEASE" envDefault:"30s"`
}

type backend struct {
	store    storage.Repository
	adapter  *realtime.Adapter
	bindings session.BindingStore
	closers  []func()
	runners  []func(ctx context.Context) error
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	app := appConfig{}
	if err := env.Parse(&app); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	logger, err := newLogger(app.LogMode)
	if err != nil {
		log.Fatalf("zap logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Infof("Application is starting with %s backend", app.Backend)

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}
	sessionCfg := session.Config{}
	if err := env.Parse(&sessionCfg); err != nil {
		sugar.Fatalf("Cannot parse session env config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b backend
	switch app.Backend {
	case "postgres":
		b, err = postgresBackend(ctx, sugar, app, sessionCfg)
	case "memory":
		b = memoryBackend(sugar)
	default:
		sugar.Fatalf("Unknown backend %q", app.Backend)
	}
	if err != nil {
		sugar.Fatalf("Cannot initialize %s backend: %v", app.Backend, err)
	}

	sessions := session.NewManager(sugar, b.store, b.adapter, b.bindings)

	serverOpts := []server.Option{
		server.WithEnvConfig(serverCfg),
		server.TimeoutHandler(10*time.Second, "Request timed out"),
	}
	for _, f := range b.closers {
		serverOpts = append(serverOpts, server.RegisterAfterShutdown(f))
	}

	srv, err := server.NewServer(sugar, server.Deps{
		Store:     b.store,
		Transport: b.adapter,
		Sessions:  sessions,
	}, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	reaper := session.NewReaper(sugar, b.store, sessionCfg, session.DetectAbandoned(b.store, b.adapter))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	for _, run := range b.runners {
		run := run
		g.Go(func() error {
			return run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		sugar.Fatalf("Server stopped: %v", err)
	}
	sugar.Info("Application is stopped")
}

func postgresBackend(ctx context.Context, logger *zap.SugaredLogger, app appConfig, sessionCfg session.Config) (backend, error) {
	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		return backend{}, err
	}

	store, err := storage.New(ctx, logger, storageCfg, storage.ConnectionTimeout(30*time.Second), storage.MaxConns(20))
	if err != nil {
		return backend{}, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return backend{}, err
	}

	opts, err := redis.ParseURL(app.RedisURL)
	if err != nil {
		store.Close()
		return backend{}, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		store.Close()
		_ = client.Close()
		return backend{}, err
	}

	feed := realtime.NewPGFeed(logger, store.ConnConfig())
	presence := realtime.NewRedisPresence(logger, client, app.RedisPrefix, app.PresenceLease)

	return backend{
		store:    store,
		adapter:  realtime.NewAdapter(logger, feed, presence),
		bindings: session.NewRedisBindings(client, app.RedisPrefix, sessionCfg.BindingTTL),
		closers: []func(){
			func() {
				logger.Info("Closing row listeners")
				feed.Close()
			},
			func() {
				logger.Info("Closing redis client")
				_ = client.Close()
			},
			func() {
				logger.Info("Closing store")
				store.Close()
				logger.Info("Store is closed")
			},
		},
		runners: []func(ctx context.Context) error{presence.Run},
	}, nil
}

func memoryBackend(logger *zap.SugaredLogger) backend {
	hub := realtime.NewHub()
	return backend{
		store:    storage.NewMemoryStore(hub),
		adapter:  realtime.NewAdapter(logger, hub, hub),
		bindings: session.NewMemoryBindings(),
	}
}
