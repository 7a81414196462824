package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	orchapp "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/application"
	orchdomain "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/domain"
	orchkafka "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/kafka"
	"github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/orders"
	orchpg "github.com/dmehra2102/commerce-order-platform/internal/orchestrator/infrastructure/postgres"
	"github.com/dmehra2102/commerce-order-platform/internal/order/application"
	orderdomain "github.com/dmehra2102/commerce-order-platform/internal/order/domain"
	ordergrpc "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/grpc"
	orderhttp "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/http"
	orderpg "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/postgres"
	orderredis "github.com/dmehra2102/commerce-order-platform/internal/order/infrastructure/redis"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/config"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/httpx"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/migrations"
	"github.com/dmehra2102/commerce-order-platform/pkg/idempotency"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/outbox"
	"github.com/dmehra2102/commerce-order-platform/pkg/shutdown"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

const service = "order-service"

func main() {
	if err := run(); err != nil {
		logging.New().Error("order-service failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.OrderService
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

	if err := orderdomain.ValidatePrefix(cfg.DefaultPrefix); err != nil {
		return fmt.Errorf("ORDER_PREFIX: %w", err)
	}
	taxRate, err := decimal.NewFromString(cfg.DefaultTax)
	if err != nil {
		return fmt.Errorf("DEFAULT_TAX_RATE %q: %w", cfg.DefaultTax, err)
	}

	inv, err := ordergrpc.NewInventoryClient(log, cfg.InventoryAddr)
	if err != nil {
		return fmt.Errorf("inventory client: %w", err)
	}
	defer inv.Close()

	// The coordinator drives orders through the order service, and the
	// order service starts sagas on the coordinator.
	var coordinator *orchapp.Coordinator
	starter := sagaStarter(func(ctx context.Context, o orderdomain.Order, method string) error {
		return coordinator.Start(ctx, o, method)
	})

	repo := orderpg.NewRepository(log, pool, cfg.OrderEventsTopic)
	stores := orderpg.NewStoreDirectory(pool, application.Store{Prefix: cfg.DefaultPrefix, Currency: cfg.Currency, TaxRate: taxRate})
	svc := application.NewService(log, repo, inv, starter, stores, orderredis.NewSequencer(rdb))

	policy := orchdomain.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.RetryBackoff,
		MaxBackoff:  cfg.BackoffMax,
		StepTimeout: cfg.StepTimeout,
	}
	coordinator = orchapp.NewCoordinator(log, orchpg.NewStore(pool), orders.NewAdapter(svc),
		orchapp.Topics{Inventory: cfg.InventoryCommandsTopic, Payment: cfg.PaymentCommandsTopic}, policy)

	outboxStore := outbox.NewPgStore(log, pool, 0)
	relay := outbox.NewRelay(log, outboxStore, outbox.NewDispatcher(log, writer, cfg.OrderEventsTopic), service+"-relay")

	replies := messaging.NewConsumer(log, "saga-replies",
		messaging.NewReader(cfg.KafkaBrokers, cfg.RepliesTopic, service),
		idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		orchkafka.ReplyHandler(log, coordinator),
		messaging.WithDeadLetter(writer),
	)

	limiter := httpx.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	idem := idempotency.NewMiddleware(log, rdb, cfg.IdempotencyTTL, func(r *http.Request) string {
		p, _ := httpx.PrincipalFrom(r.Context())
		return p.Subject
	})
	handler := orderhttp.NewHandler(log, svc, coordinator, httpx.NewAuthenticator(cfg.JWTSecret), limiter, idem.Handler)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RecoverySpec, func() {
		n, err := coordinator.Recover(ctx, time.Now())
		switch {
		case err != nil:
			log.Error("saga recovery failed", "err", err)
		case n > 0:
			log.Info("saga recovery", "recovered", n)
		}
		if _, err := svc.ResumeStranded(ctx, cfg.StrandedAfter); err != nil {
			log.Error("stranded order sweep failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("SAGA_RECOVERY_SCHEDULE %q: %w", cfg.RecoverySpec, err)
	}
	if _, err := sched.AddFunc("@hourly", func() {
		n, err := outboxStore.Cleanup(ctx, cfg.OutboxKeep)
		if err != nil {
			log.Error("outbox cleanup failed", "err", err)
			return
		}
		log.Info("outbox cleanup", "deleted", n)
	}); err != nil {
		return err
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		log.Debug("rate limiter cleanup", "evicted", limiter.Cleanup())
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return replies.Run(gctx) })
	g.Go(func() error { return shutdown.ServeHTTP(gctx, log, srv) })
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		<-sched.Stop().Done()
		return nil
	})

	err = g.Wait()
	log.Info("order-service shutdown complete")
	return err
}

type sagaStarter func(ctx context.Context, o orderdomain.Order, paymentMethod string) error

func (f sagaStarter) Start(ctx context.Context, o orderdomain.Order, paymentMethod string) error {
	return f(ctx, o, paymentMethod)
}
