package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/commerce-order-platform/internal/payment/application"
	"github.com/dmehra2102/commerce-order-platform/internal/payment/domain"
	"github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/gateway"
	paymentkafka "github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/kafka"
	paymentpg "github.com/dmehra2102/commerce-order-platform/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/config"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/migrations"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/participant"
	"github.com/dmehra2102/commerce-order-platform/pkg/idempotency"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
	"github.com/dmehra2102/commerce-order-platform/pkg/shutdown"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

const service = "payment-service"

func main() {
	if err := run(); err != nil {
		logging.New().Error("payment-service failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.PaymentService
	if err := config.ParseEnv(&cfg); err != nil {
		return err
	}
	log := logging.NewWithLevel(cfg.LogLevel).With("service", service)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, service, cfg.OTelEndpoint, log)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if cfg.Migrate {
		if err := migrations.Up(cfg.PGURL, log); err != nil {
			return err
		}
	}

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		return fmt.Errorf("pg connect: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	writer := messaging.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	var gw domain.Gateway
	if cfg.StripeKey != "" {
		gw = gateway.NewStripe(cfg.StripeKey)
		log.Info("using stripe gateway")
	} else {
		gw = gateway.NewSimulated(cfg.DeclineAboveCent)
		log.Warn("STRIPE_SECRET_KEY not set, using simulated gateway", "decline_above_cents", cfg.DeclineAboveCent)
	}

	ledger := participant.NewLedger(log, pool, service, cfg.RepliesTopic, paymentpg.Bind)
	svc := application.NewService(log, ledger, gw)

	consumer := messaging.NewConsumer(log, "payment-commands",
		messaging.NewReader(cfg.KafkaBrokers, cfg.PaymentCommandsTopic, service),
		idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		paymentkafka.CommandHandler(log, svc),
		messaging.WithDeadLetter(writer),
	)
	relay := outbox.NewRelay(log, outbox.NewPgStore(log, pool, 0), outbox.NewDispatcher(log, writer, cfg.RepliesTopic), service+"-relay")

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return shutdown.ServeHTTP(gctx, log, metricsSrv) })

	err = g.Wait()
	log.Info("payment-service shutdown complete")
	return err
}
