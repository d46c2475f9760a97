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
	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/domain"
	"farmsmart/pkg/queue"
	"farmsmart/pkg/store"
	"farmsmart/services/account/internal/app"
	"farmsmart/services/account/internal/billing"
	"farmsmart/services/account/internal/config"
	"farmsmart/services/account/internal/security"
	"farmsmart/services/account/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "account")

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

	var checkout billing.CheckoutProvider
	if cfg.StripeSecretKey != "" {
		provider, err := billing.NewStripeProvider(billing.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Prices: map[domain.Plan]string{
				domain.PlanPro:        cfg.StripeProPriceID,
				domain.PlanEnterprise: cfg.StripeEnterprisePriceID,
			},
		})
		if err != nil {
			util.Fatal("failed to init stripe", "err", err)
		}
		checkout = provider
	} else {
		logger.Warn("stripe not configured; checkout is disabled")
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

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Checkout:        checkout,
		Alerter:         security.NewAuditAlerter(rdb, "farmsmart:account:alerts"),
		SiteURL:         cfg.SiteURL,
		TrustReturnFlag: *cfg.TrustReturnFlag,
		Quotas: map[domain.Plan]int{
			domain.PlanFree:       cfg.QuotaFree,
			domain.PlanPro:        cfg.QuotaPro,
			domain.PlanEnterprise: cfg.QuotaEnterprise,
		},
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	if *cfg.TrustReturnFlag {
		logger.Warn("premium return flag is trusted without payment verification")
	}

	hostname, _ := os.Hostname()
	usageQueue, err := queue.New(queue.Config{
		Client:     rdb,
		Stream:     cfg.UsageStream,
		Group:      cfg.UsageGroup,
		Consumer:   hostname,
		MaxRetries: cfg.UsageMaxRetries,
	})
	if err != nil {
		util.Fatal("failed to init usage queue", "err", err)
	}

	checkoutLimiter, err := ratelimit.NewFixedWindowLimiter(rdb, "farmsmart:account:checkout", cfg.CheckoutRateLimitPerMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init checkout limiter", "err", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		TokenVerifier:   tokenVerifier,
		Revoker:         usertoken.NewRedisRevoker(rdb, "farmsmart:revoked"),
		CheckoutLimiter: checkoutLimiter,
		CORSOrigins:     cfg.CORSOrigins,
		TrustedProxies:  trustedProxies,
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
		slog.Info("account server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("usage worker started", "stream", cfg.UsageStream, "group", cfg.UsageGroup, "concurrency", cfg.UsageConcurrency)
		err := usageQueue.Run(gctx, cfg.UsageConcurrency, appCore.ApplyUsage)
		if err != nil && !errors.Is(err, context.Canceled) {
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
	slog.Info("account server stopped")
}
