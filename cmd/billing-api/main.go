package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/billing/internal/api"
	"github.com/edvin/billing/internal/archive"
	"github.com/edvin/billing/internal/cache"
	"github.com/edvin/billing/internal/config"
	"github.com/edvin/billing/internal/core"
	"github.com/edvin/billing/internal/db"
	"github.com/edvin/billing/internal/googleplay"
	"github.com/edvin/billing/internal/logging"
	"github.com/edvin/billing/internal/metrics"
	"github.com/edvin/billing/internal/realtime"
	"github.com/edvin/billing/internal/webhook"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/billing", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	redisCache, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisCache.Close()

	catalog, err := core.LoadTierCatalog(cfg.TierCatalogPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load tier catalog")
	}
	tiers, err := webhook.ParseProductTiers(cfg.ProductTiers)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid PRODUCT_TIERS")
	}

	var archiver archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		archiver = archive.NewS3Archiver(archive.Config{
			Bucket:    cfg.ArchiveBucket,
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
		}, logger)
	}

	play := googleplay.Init(ctx, googleplay.Config{
		PackageName:     cfg.PlayPackageName,
		CredentialsFile: cfg.PlayCredentialsFile,
	})
	if err := play.Err(); err != nil {
		logger.Warn().Err(err).Msg("play validator unavailable, play notifications use push data only")
	}

	stripeVerifier := webhook.NewStripeVerifier(cfg.StripeWebhookSecret, tiers)
	if !stripeVerifier.Configured() {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, stripe webhooks will be refused")
	}

	hub := realtime.NewHub(logger)
	services := core.NewServices(pool, redisCache, hub, catalog, logger)

	srv := api.NewServer(logger, cfg, api.Deps{
		DB:            pool,
		Cache:         redisCache,
		Services:      services,
		Hub:           hub,
		Archiver:      archiver,
		Stripe:        stripeVerifier,
		AppStore:      webhook.NewAppStoreVerifier(cfg.AppStoreBundleID, tiers),
		Play:          webhook.NewPlayParser(cfg.PlayPackageName, tiers),
		PlayValidator: play,
		ProductTiers:  tiers,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Str("environment", cfg.Environment).Msg("starting billing API server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}
