package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"randomtalk/backend/internal/api/handler"
	"randomtalk/backend/internal/blocklist"
	"randomtalk/backend/internal/chathub"
	"randomtalk/backend/internal/chatlog"
	"randomtalk/backend/internal/complaint"
	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/matchmaker"
	"randomtalk/backend/internal/metrics"
	"randomtalk/backend/internal/presence"
	"randomtalk/backend/internal/signaling"
	"randomtalk/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// archive groups the optional Postgres-backed sinks. All fields stay nil
// when no DSN is configured.
type archive struct {
	messages   chatlog.Archiver
	blocks     blocklist.Persister
	rooms      chathub.RoomArchive
	complaints complaint.Saver
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		log.Printf("Warning: unknown log level %q, using info", level)
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return logger
}

func setupPresence(ctx context.Context, cfg config.Config, logger *zap.Logger) presence.Store {
	if cfg.StoreBackend != config.StoreRedis {
		return presence.NewMemoryStore(presence.WithLogger(logger))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	// Перевірка з'єднання Redis
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Fatalf("Failed to connect Redis: %v", err)
	}
	store := presence.NewRedisStore(rdb, presence.WithLogger(logger))
	if err := store.Start(ctx); err != nil {
		log.Fatalf("Failed to subscribe to presence events: %v", err)
	}
	return store
}

func setupArchive(cfg config.Config, logger *zap.Logger) archive {
	if cfg.DatabaseDSN == "" {
		logger.Info("DATABASE_DSN not set, archive disabled")
		return archive{}
	}
	db, err := storage.OpenPostgres(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to connect PostgreSQL: %v", err)
	}
	s := storage.NewStorageService(db, logger)
	return archive{messages: s, blocks: s, rooms: s, complaints: s}
}

func main() {
	listen := pflag.String("listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	backend := pflag.String("store", "", "presence store: memory or redis (overrides STORE_BACKEND)")
	dsn := pflag.String("dsn", "", "Postgres DSN for the archive (overrides DATABASE_DSN)")
	logLevel := pflag.String("log-level", "", "log level (overrides LOG_LEVEL)")
	searchTimeout := pflag.Duration("search-timeout", 0, "how long a search waits for a partner")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *backend != "" {
		cfg.StoreBackend = config.StoreBackend(*backend)
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *searchTimeout > 0 {
		cfg.SearchTimeout = *searchTimeout
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting randomtalk backend",
		zap.String("listen", cfg.ListenAddr),
		zap.String("store", string(cfg.StoreBackend)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Ініціалізація залежностей
	m := metrics.New()
	store := setupPresence(ctx, cfg, logger)
	arch := setupArchive(cfg, logger)

	blocks := blocklist.NewRegistry(nil, arch.blocks, logger)
	logs := chatlog.NewRegistry(nil, arch.messages, logger)
	rooms := chathub.NewRooms(signaling.NewRelay(logger), logs, arch.rooms, logger)

	mm := matchmaker.New(store, blocks, rooms, logger)
	mm.Timeout = cfg.SearchTimeout
	mm.Metrics = m

	deps := &chathub.Deps{
		Store:      store,
		Matchmaker: mm,
		Rooms:      rooms,
		Blocks:     blocks,
		Metrics:    m,
		Logger:     logger,
	}
	if arch.complaints != nil {
		deps.Complaints = complaint.NewService(arch.complaints, logs, logger)
	}

	// 2. Ініціалізація Chat Hub
	hub := chathub.NewManagerService(store, logger, m)

	reaper := presence.NewReaper(store, cfg.PresenceTTL, config.PresenceReapInterval, logger)
	reaper.OnReaped = func(string) { m.Inc(metrics.EventPresenceExpired) }

	// 3. Запуск основних Goroutines
	go hub.Run(ctx)    // Головний диспетчер
	go reaper.Run(ctx) // Прибирання завислої присутності
	go blocks.RunPruner(ctx, config.BlockListPruneInterval)

	// 4. Налаштування Gin та роутингу
	r := gin.New()
	r.Use(gin.Recovery())
	h := handler.NewHandler(hub, deps, cfg.JWTSecret, cfg.AllowedOrigins, logger)
	h.ICEServers = cfg.ICEServers
	h.Register(r)

	server := &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	<-hub.Done()
}
