//go:build integration

// Package integration runs the services in-process against real Postgres
// and Kafka containers.
package integration

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type Env struct {
	PG    *postgres.PostgresContainer
	Kafka *kafka.KafkaContainer
	PGURL string
	KAddr []string
}

func Setup(ctx context.Context) (*Env, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}

	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("commerce-it"),
	)
	if err != nil {
		_ = testcontainers.TerminateContainer(pgC)
		return nil, fmt.Errorf("start kafka: %w", err)
	}
	brokers, err := kafkaC.Brokers(ctx)
	if err != nil {
		return nil, err
	}
	return &Env{PG: pgC, Kafka: kafkaC, PGURL: pgURL, KAddr: brokers}, nil
}

// CreateTopics creates single-partition topics on the controller.
func (e *Env) CreateTopics(topics ...string) error {
	conn, err := kafkago.Dial("tcp", e.KAddr[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()

	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafkago.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	return cc.CreateTopics(configs...)
}

func (e *Env) Teardown(ctx context.Context) {
	_ = e.Kafka.Terminate(ctx)
	_ = e.PG.Terminate(ctx)
}
