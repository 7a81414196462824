package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dmehra2102/commerce-order-platform/internal/notification/application"
	"github.com/dmehra2102/commerce-order-platform/internal/notification/domain"
	notifkafka "github.com/dmehra2102/commerce-order-platform/internal/notification/infrastructure/kafka"
	"github.com/dmehra2102/commerce-order-platform/internal/notification/infrastructure/rabbitmq"
	"github.com/dmehra2102/commerce-order-platform/internal/notification/infrastructure/realtime"
	"github.com/dmehra2102/commerce-order-platform/internal/notification/infrastructure/webhook"
	"github.com/dmehra2102/commerce-order-platform/internal/platform/config"
	"github.com/dmehra2102/commerce-order-platform/pkg/idempotency"
	"github.com/dmehra2102/commerce-order-platform/pkg/logging"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
	"github.com/dmehra2102/commerce-order-platform/pkg/metrics"
	"github.com/dmehra2102/commerce-order-platform/pkg/shutdown"
	"github.com/dmehra2102/commerce-order-platform/pkg/tracing"
)

const service = "notification-service"

func main() {
	if err := run(); err != nil {
		logging.New().Error("notification-service failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config.NotificationService
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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	writer := messaging.NewWriter(cfg.KafkaBrokers)
	defer writer.Close()

	hub := realtime.NewHub(log)
	notifiers := []domain.Notifier{hub}
	if cfg.RabbitURL != "" {
		rabbit, err := rabbitmq.Dial(cfg.RabbitURL)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		notifiers = append(notifiers, rabbit.Email(), rabbit.SMS())
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, webhook.New(cfg.WebhookURL, cfg.WebhookSecret, nil))
	}
	factory := domain.NewFactory(notifiers...)
	log.Info("notification channels", "channels", factory.Channels())

	svc := application.NewService(log, factory)
	consumer := messaging.NewConsumer(log, "order-events",
		messaging.NewReader(cfg.KafkaBrokers, cfg.OrderEventsTopic, service),
		idempotency.NewStore(rdb, cfg.IdempotencyTTL),
		notifkafka.EventHandler(log, svc),
		messaging.WithDeadLetter(writer),
	)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", hub)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return shutdown.ServeHTTP(gctx, log, srv) })

	err = g.Wait()
	log.Info("notification-service shutdown complete")
	return err
}
