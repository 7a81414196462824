package messaging

import (
	"github.com/segmentio/kafka-go"
)

// NewWriter returns a topic-less writer; every message names its topic.
// Keys are hashed so all messages of one aggregate land on one partition
// and keep their order.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
