package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anonchat/backend/internal/api/handler"
	"anonchat/backend/internal/chathub"
	"anonchat/backend/internal/config"
	"anonchat/backend/internal/logger"
	"anonchat/backend/internal/notification"
	"anonchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func setupDependencies(cfg *config.Config, log *zap.Logger) (*gorm.DB, *redis.Client, error) {
	// 1. PostgreSQL
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect postgres")
	}

	// 2. Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Перевірка з'єднання Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, errors.Wrap(err, "connect redis")
	}

	log.Info("database and redis connections established")
	return db, rdb, nil
}

// setupBus повертає шину між вузлами, або nil для одного вузла.
func setupBus(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (chathub.Bus, error) {
	switch cfg.BusBackend {
	case "redis":
		return chathub.NewRedisBus(rdb, cfg.NodeID, log), nil
	case "nats":
		b, err := chathub.DialNATS(cfg.NATSURL, cfg.NodeID, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, nil
	}
}

func main() {
	cfg, envLoaded, err := config.Load()
	if err != nil {
		// логера ще немає
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if !envLoaded {
		log.Warn("no .env file found, using process environment")
	}
	log.Info("starting anonchat backend", zap.String("node_id", cfg.NodeID), zap.String("bus", cfg.BusBackend))

	// 1. Ініціалізація залежностей
	db, rdb, err := setupDependencies(cfg, log)
	if err != nil {
		log.Fatal("setup dependencies", zap.Error(err))
	}
	defer rdb.Close()

	s := storage.NewStorageService(db)
	if err := s.AutoMigrate(); err != nil {
		log.Fatal("run migrations", zap.Error(err))
	}
	pairing := storage.NewRedisPairingStore(rdb)

	// 2. Registry, Matcher та Relay
	registry := chathub.NewRegistry(log.Named("registry"))
	bus, err := setupBus(cfg, rdb, log.Named("bus"))
	if err != nil {
		log.Fatal("setup bus", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if bus != nil {
		registry.SetBus(bus)
		defer bus.Close()
		go func() {
			if err := bus.Subscribe(ctx, func(userID string, frame []byte) { registry.Deliver(userID, frame) }); err != nil {
				log.Error("bus subscription ended", zap.Error(err))
			}
		}()
	}

	matcher := chathub.NewMatcherService(pairing, cfg.RoomTTL, cfg.QueueStaleAfter, log.Named("matcher"))
	relay := chathub.NewRelay(registry, matcher, s, chathub.RelayConfig{
		RetryInterval: cfg.MatchRetryInterval,
		Timeout:       cfg.MatchTimeout,
	}, log.Named("relay"))

	notifier := notification.NewService(s, registry, log.Named("notification"))
	auth := handler.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenTTL, s)

	// 3. Налаштування Gin та роутингу
	r := gin.New()
	r.Use(gin.Recovery())
	h := handler.NewHandler(registry, relay, auth, s, s, notifier, handler.Options{
		SendBuffer:     cfg.SendBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
		AllowDevTokens: cfg.AllowDevTokens,
	}, log.Named("http"))
	h.AddHealthCheck("postgres", s.Ping)
	h.AddHealthCheck("redis", pairing.Ping)
	h.Register(r)

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	// websocket-з'єднання не закриваються через Shutdown
	registry.CloseAll()
	relay.Close()

	log.Info("server stopped")
}
