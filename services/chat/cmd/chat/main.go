package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"farmsmart/internal/ratelimit"
	"farmsmart/internal/turnlock"
	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/agent"
	"farmsmart/pkg/attachment"
	"farmsmart/pkg/feed"
	"farmsmart/pkg/queue"
	"farmsmart/pkg/storage"
	"farmsmart/pkg/store"
	"farmsmart/services/chat/internal/app"
	"farmsmart/services/chat/internal/config"
	"farmsmart/services/chat/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "chat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		util.Fatal("failed to connect redis", "addr", cfg.RedisAddr, "err", err)
	}
	cancel()

	var dataStore store.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	default:
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gormStore.Close()
		dataStore = gormStore
	}

	var objects storage.ObjectStore
	switch cfg.StorageDriver {
	case "local":
		objects, err = storage.NewFileStore(cfg.LocalStorageDir, cfg.PublicBaseURL)
	default:
		objects, err = storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	}
	if err != nil {
		util.Fatal("failed to init object store", "driver", cfg.StorageDriver, "err", err)
	}

	jwtLeeway, _ := config.ParseDuration(cfg.JWTLeeway)
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		ProjectID:  cfg.FirebaseProjectID,
		JWKSURL:    cfg.JWKSURL,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	agentTimeout, _ := config.ParseDuration(cfg.AgentTimeout)
	agentClient, err := agent.NewClient(agent.Config{
		BaseURL:  cfg.AgentBaseURL,
		Endpoint: cfg.AgentEndpoint,
		Timeout:  agentTimeout,
	})
	if err != nil {
		util.Fatal("failed to init agent client", "err", err)
	}
	catalogTTL, _ := config.ParseDuration(cfg.AgentCatalogTTL)

	policy, err := attachment.NewPolicy(cfg.UploadPolicy, cfg.MaxUploadBytes)
	if err != nil {
		util.Fatal("failed to init upload policy", "err", err)
	}

	usageQueue, err := queue.New(queue.Config{Client: rdb, Stream: cfg.UsageStream})
	if err != nil {
		util.Fatal("failed to init usage queue", "err", err)
	}

	lockTTL, _ := config.ParseDuration(cfg.TurnLockTTL)
	redisFeed := feed.NewRedisFeed(rdb, "farmsmart:feed")
	appCore, err := app.New(app.Config{
		Store:      dataStore,
		Agent:      agentClient,
		Catalog:    agent.NewCatalogCache(agentClient, rdb, "farmsmart:agents", catalogTTL),
		Objects:    objects,
		Locker:     turnlock.New(rdb, "farmsmart:turn", lockTTL),
		Feed:       redisFeed,
		Subscriber: redisFeed,
		Usage:      usageQueue,
		Policy:     policy,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	turnsPerMinute := cfg.TurnsPerMinute
	if turnsPerMinute <= 0 {
		turnsPerMinute = 20
	}
	turnLimiter, err := ratelimit.NewFixedWindowLimiter(rdb, "farmsmart:chat:turns", turnsPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init turn limiter", "err", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		Revoker:        usertoken.NewRedisRevoker(rdb, "farmsmart:revoked"),
		TurnLimiter:    turnLimiter,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trustedProxies,
		MaxUploadBytes: policy.MaxBytes,
		TurnTimeout:    agentTimeout,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "upload_policy", policy.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
	slog.Info("chat server stopped")
}
