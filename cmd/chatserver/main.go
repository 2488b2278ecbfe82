package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jummah/chat-server/internal/broadcast"
	"github.com/jummah/chat-server/internal/config"
	"github.com/jummah/chat-server/internal/events"
	"github.com/jummah/chat-server/internal/history"
	"github.com/jummah/chat-server/internal/httpapi"
	"github.com/jummah/chat-server/internal/lifecycle"
	"github.com/jummah/chat-server/internal/logging"
	"github.com/jummah/chat-server/internal/presence"
	"github.com/jummah/chat-server/internal/ratelimit"
	"github.com/jummah/chat-server/internal/router"
	"github.com/jummah/chat-server/internal/store"
	"github.com/jummah/chat-server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatserver: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: cfg.Server.Name,
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("chatserver exited")
	}
	logger.Info().Msg("chatserver stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Room store ---
	rs, db, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer rs.Close()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Address, err)
		}
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	// --- Broadcast ---
	topics, err := openBroadcast(cfg, logger)
	if err != nil {
		return err
	}
	defer topics.Close()
	pub := broadcast.NewPublisher(topics, cfg.Broadcast.Timeout, logging.Component(logger, "broadcast"))

	// --- Presence ---
	var (
		trackerOpts []presence.Option
		online      httpapi.Presence
	)
	trackerOpts = append(trackerOpts, presence.WithLogger(logger))
	if rdb != nil {
		mirror := presence.NewRedisMirror(rdb, cfg.Server.Name)
		trackerOpts = append(trackerOpts, presence.WithMirror(mirror, cfg.Store.Timeout))
		online = mirror
	}
	tracker := presence.NewTracker(trackerOpts...)
	if online == nil {
		online = tracker
	}

	// --- Router ---
	routerOpts := []router.Option{router.WithPublisher(pub), router.WithLogger(logger)}
	if cfg.Events.Validate {
		evdb := db
		if evdb == nil {
			if evdb, err = sql.Open("postgres", cfg.Store.PostgresURL); err != nil {
				return fmt.Errorf("events db: %w", err)
			}
			defer evdb.Close()
		}
		routerOpts = append(routerOpts, router.WithEvents(events.NewPostgresResolver(evdb, cfg.Events.Table)))
	}
	rt := router.New(router.Config{StoreTimeout: cfg.Store.Timeout}, rs, tracker, routerOpts...)

	lc := lifecycle.New(tracker, pub, logger)

	// --- History ---
	var cache history.Cache
	if rdb != nil {
		cache = history.NewRedisCache(rdb)
	}
	hist := history.New(history.Config{
		DefaultPageSize: cfg.History.DefaultPageSize,
		MaxPageSize:     cfg.History.MaxPageSize,
		CacheTTL:        cfg.History.CacheTTL,
		QueryTimeout:    cfg.Store.Timeout,
	}, rs, cache, logger)

	// --- WebSocket server ---
	wsConfig := ws.ServerConfig{
		ListenAddr:     cfg.Server.WSAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}
	dispatcher := ws.NewMessageDispatcher(logger)
	server := ws.NewServer(wsConfig, dispatcher.Dispatch, logger)

	chatOpts := []ws.ChatOption{ws.WithRequestTimeout(cfg.Store.Timeout + cfg.Broadcast.Timeout)}
	if rdb != nil && cfg.RateLimit.Messages > 0 {
		limiter := ratelimit.NewLimiter(rdb, logger).Bind(ratelimit.MessageRule(cfg.RateLimit.Messages, cfg.RateLimit.Window))
		chatOpts = append(chatOpts, ws.WithRateLimiter(limiter))
	}
	ws.NewChat(rt, topics, lc, logger, chatOpts...).Attach(server, dispatcher)

	// --- REST API ---
	if logging.ParseLevel(cfg.Log.Level) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	api := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpapi.NewEngine(httpapi.New(hist, online, lc), logger),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start()
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Server.HTTPAddr).Msg("http api listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(server.Shutdown(sctx), api.Shutdown(sctx))
	})
	return g.Wait()
}

// openStore opens the configured room store. db is the Postgres handle when
// the store is backed by Postgres, nil otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (store.RoomStore, *sql.DB, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn().Msg("using in-memory room store; history is lost on exit")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		ps, err := store.OpenPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Migrate {
			if err := store.Migrate(ps.DB()); err != nil {
				ps.Close()
				return nil, nil, err
			}
		}
		logger.Info().Msg("postgres room store ready")
		return ps, ps.DB(), nil
	default:
		bs, err := store.OpenBadgerStore(cfg.BadgerDir, logging.Component(logger, "badger"))
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("dir", cfg.BadgerDir).Msg("badger room store ready")
		return bs, nil, nil
	}
}

func openBroadcast(cfg *config.Config, logger zerolog.Logger) (broadcast.Dispatcher, error) {
	if cfg.Broadcast.Driver != "nats" {
		return broadcast.NewLocalDispatcher(), nil
	}
	nc := broadcast.DefaultNATSConfig()
	nc.URL = cfg.Broadcast.NATSURL
	nc.Name = cfg.Server.Name
	d, err := broadcast.NewNATSDispatcher(nc, logger)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", nc.URL).Msg("nats connected")
	return d, nil
}
