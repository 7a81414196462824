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

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/application"
	invgrpc "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/grpc"
	invkafka "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/kafka"
	invpg "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/postgres"
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

const service = "inventory-service"

func main() {
	if err := run(); err != nil {
		logging.New().Error("inventory-service failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.InventoryService
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

	ledger := participant.NewLedger(log, pool, service, cfg.RepliesTopic, invpg.Bind)
	svc := application.NewService(log, ledger, invpg.NewRepository(pool))

	gs, err := invgrpc.Run(cfg.GRPCAddr, invgrpc.NewServer(log, svc))
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", cfg.GRPCAddr, err)
	}
	defer gs.GracefulStop()
	log.Info("grpc listening", "addr", cfg.GRPCAddr)

	consumer := messaging.NewConsumer(log, "inventory-commands",
		messaging.NewReader(cfg.KafkaBrokers, cfg.InventoryCommandsTopic, service),
		idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		invkafka.CommandHandler(log, svc),
		messaging.WithDeadLetter(writer),
	)
	relay := outbox.NewRelay(log, outbox.NewPgStore(log, pool, 0), outbox.NewDispatcher(log, writer, cfg.RepliesTopic), service+"-relay")

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return shutdown.ServeHTTP(gctx, log, metricsSrv) })

	err = g.Wait()
	log.Info("inventory-service shutdown complete")
	return err
}
