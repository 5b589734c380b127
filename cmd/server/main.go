// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal services packages.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"salecore/internal/distribution"
	"salecore/internal/gating"
	"salecore/internal/oracle"
	"salecore/internal/platform/config"
	"salecore/internal/platform/httpserver"
	"salecore/internal/platform/logger"
	"salecore/internal/platform/metrics"
	"salecore/internal/platform/middleware"
	"salecore/internal/platform/postgres"
	platformredis "salecore/internal/platform/redis"
	"salecore/internal/reconcile"
	salehandler "salecore/internal/sale/handler"
	"salecore/internal/sale/service"
	postgresstore "salecore/internal/sale/store/postgres"
	"salecore/internal/sale/store/postgres/migrations"
	"salecore/internal/sweeper"
	httptransport "salecore/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := migrations.Apply(ctx, db); err != nil {
		return err
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	var rateSource oracle.RateSource = oracle.NewHTTPSource(cfg.RateFeedBaseURL, cfg.RateFeedTimeout)
	if redisClient != nil {
		rateSource = oracle.NewCachedSource(rateSource, redisClient.Client, cfg.RateCacheTTL, log)
	}
	priceOracle := oracle.New(rateSource,
		oracle.WithMaxRateAge(cfg.RateMaxAge),
		oracle.WithManagementFee(cfg.ManagementFee),
	)

	var publisher service.DistributionPublisher
	var closePublisher func()
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := distribution.NewPublisher(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		publisher = kafkaPublisher
		closePublisher = kafkaPublisher.Close
	} else {
		publisher = distribution.NewNop(log)
		closePublisher = func() {}
	}
	defer closePublisher()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store := postgresstore.New(db)
	kyc := gating.NewHTTPKYCSource(cfg.KYCBaseURL, cfg.KYCTimeout)
	engine := service.New(store, priceOracle, kyc,
		gating.Thresholds{
			EnhancedScrutinyAmount: cfg.EnhancedScrutinyAmount,
			EnhancedTier:           cfg.EnhancedTier,
		},
		publisher, m, log,
		service.WithReservationTTLs(cfg.CryptoReservationTTL, cfg.FiatReservationTTL),
	)

	chain := reconcile.NewHTTPChainClient(cfg.ChainRPCBaseURL, cfg.ChainRPCTimeout)
	poller := reconcile.NewPoller(engine, engine, chain, log, cfg.PollInterval, cfg.ConfirmationDepth)
	if err := poller.Resume(ctx); err != nil {
		return err
	}
	defer poller.Stop()

	gateway := reconcile.NewGateway(engine, log, m)
	sweep := sweeper.New(engine, log, m, sweeper.WithBatchSize(cfg.SweepBatchSize))

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:        log,
		Metrics:       m,
		Registry:      registry,
		BuyerAuth:     middleware.NewHMACValidator(cfg.JWTSigningKey),
		Sale:          salehandler.New(engine, poller, log),
		Admin:         salehandler.NewAdmin(engine),
		Webhook:       reconcile.NewHandler(gateway, log),
		Sweep:         sweeper.NewHandler(sweep, log),
		WebhookSecret: cfg.WebhookSecret,
		SweepSecret:   cfg.SweepSecret,
		Health: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
	})

	srv := httpserver.New(cfg.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweep.Run(ctx, cfg.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
