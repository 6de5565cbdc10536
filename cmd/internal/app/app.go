// Package app wires the TaskHive chat server runtime: config, logging, stores, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"taskhive/cmd/internal/auth/session"
	"taskhive/cmd/internal/chat"
	chatapi "taskhive/cmd/internal/chat/api"
	"taskhive/cmd/internal/realtime"
)

// readiness is a named dependency checked by /readyz.
type readiness struct {
	name string
	ping func(ctx context.Context) error
}

// App is the TaskHive server runtime: it owns the stores, the realtime relay and the HTTP
// server wiring.
type App struct {
	cfg Config
	log Logger

	store   chat.Store
	checks  []readiness
	closers []func(ctx context.Context) error

	metrics   *prometheus.Registry
	registry  *realtime.Registry
	sequencer *realtime.Sequencer
	fanout    *realtime.RedisFanout
	gateway   *realtime.Gateway
	api       *chatapi.Handler

	handler http.Handler
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if parseLogLevel(cfg.LogLevel) != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	app := &App{cfg: cfg, log: log, metrics: prometheus.NewRegistry()}
	a = app
	// Error returns nil out a; release through the captured pointer.
	defer func() {
		if err != nil {
			app.closeResources(context.Background())
		}
	}()

	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(a.metrics)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		if redisClient, err = NewRedisClient(ctx, cfg); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return redisClient.Close() })
		a.checks = append(a.checks, readiness{name: "redis", ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
		log.Info("redis.enabled", "fanout_channel", cfg.FanoutChannel)
	}

	a.registry = realtime.NewRegistry(metrics)
	local := realtime.NewLocalFanout(a.registry, metrics)

	var fanout realtime.Fanout = local
	var messages chat.MessageStore = a.store
	if redisClient != nil {
		a.fanout = realtime.NewRedisFanout(redisClient, cfg.FanoutChannel, local, log)
		fanout = a.fanout
		messages = chat.NewCachedDirectory(a.store, chat.NewRedisCache(redisClient), cfg.UserCacheTTL, log)
	}

	var dispatcher realtime.Dispatcher = realtime.Inline{}
	if cfg.RelayOrdered {
		a.sequencer = realtime.NewSequencer()
		a.sequencer.MaxPending = cfg.RelayQueueLimit
		a.sequencer.OnPanic = func(conversationID string, v any) {
			log.Error("relay.panic", "conversation_id", conversationID, "panic", fmt.Sprint(v))
		}
		dispatcher = a.sequencer
	}

	svc := chat.NewService(a.store)

	var verifier session.Verifier
	if cfg.AuthEnabled() {
		tokens, err := session.NewTokenManager(cfg.sessionConfig())
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		verifier = tokens
	}

	relay, err := realtime.NewRelay(realtime.RelayConfig{
		Store:        messages,
		Fanout:       fanout,
		Dispatcher:   dispatcher,
		Authorizer:   svc,
		Metrics:      metrics,
		Log:          log,
		WriteTimeout: cfg.RelayWriteTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.gateway, err = realtime.NewGateway(realtime.GatewayDeps{
		Log:        log,
		Registry:   a.registry,
		Relay:      relay,
		Verifier:   verifier,
		Authorizer: svc,
	}, realtime.GatewayConfig{
		RequireAuth:     cfg.WSRequireAuth,
		CookieName:      cfg.AuthCookieName,
		OriginRequired:  cfg.WSOriginRequired,
		AllowedOrigins:  cfg.WSAllowedOrigins,
		DevInsecure:     cfg.WSDevInsecure,
		WriteTimeout:    cfg.WSWriteTimeout,
		ReadIdleTimeout: cfg.WSReadIdleTimeout,
		SendQueueSize:   cfg.WSSendQueueSize,
		RateEvents:      cfg.WSRateEvents,
		RateWindow:      cfg.WSRateWindow,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.WSRequireAuth {
		log.Warn("ws.auth.optional", "hint", "anonymous sessions may send as any senderId")
	}

	if verifier != nil {
		a.api, err = chatapi.NewHandler(log, svc, verifier, chatapi.Config{
			CookieName: cfg.AuthCookieName,
			RateLimit:  cfg.APIRateLimit,
			RateWindow: cfg.APIRateWindow,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn("chatapi.disabled", "reason", "TASKHIVE_JWT_SECRET not set")
	}

	a.handler = a.routes()
	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server (and the Redis fanout subscriber when configured) and blocks
// until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	// Shutdown does not track hijacked connections; end WebSocket sessions explicitly.
	srv.RegisterOnShutdown(a.registry.CloseAll)

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"redis", a.fanout != nil,
		"relay_ordered", a.sequencer != nil,
		"ws_require_auth", a.cfg.WSRequireAuth,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.fanout != nil {
		g.Go(func() error { return a.fanout.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		a.drainRelay(shutdownCtx)
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.closeResources(closeCtx)

	a.log.Info("server.stopped")
	return err
}

// drainRelay waits for queued submissions so accepted messages are still persisted.
func (a *App) drainRelay(ctx context.Context) {
	if a.sequencer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		a.sequencer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("relay.drain.timeout", "lanes", a.sequencer.Lanes())
	}
}

// openStore selects the persistence backend.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case StorePostgres:
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		// The app owns the pool; PostgresStore.Close is a no-op.
		a.closers = append(a.closers, func(context.Context) error { pool.Close(); return nil })

		st, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return err
		}
		if a.cfg.DBEnsureSchema {
			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema: %w", err)
			}
		}
		a.store = st
		a.checks = append(a.checks, readiness{name: "postgres", ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		}})
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	case StoreMongo:
		client, err := NewMongoClient(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)

		st, err := chat.NewMongoStore(client.Database(a.cfg.MongoDB))
		if err != nil {
			return err
		}
		if a.cfg.DBEnsureSchema {
			if err := st.EnsureIndexes(ctx); err != nil {
				return fmt.Errorf("mongo indexes: %w", err)
			}
		}
		a.store = st
		a.checks = append(a.checks, readiness{name: "mongo", ping: st.Ping})
		a.log.Info("db.enabled.mongo_store", "database", a.cfg.MongoDB)

	default:
		a.store = chat.NewMemoryStore()
		a.log.Info("db.disabled.inmemory_store")
	}
	return nil
}

// closeResources releases stores and clients in reverse order of acquisition.
func (a *App) closeResources(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error("resource.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
