package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Bus publishes commands onto the ordered per-request channel.
type Bus interface {
	Publish(ctx context.Context, cmd Command) error
}

// KafkaBus writes commands to a single topic keyed by request id, so all
// commands for one request land on the same partition and are consumed
// in order. Commands for different requests parallelize freely.
type KafkaBus struct {
	writer *kafka.Writer
}

func NewKafkaBus(brokers []string, topic string) *KafkaBus {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaBus{writer: w}
}

func (k *KafkaBus) Publish(ctx context.Context, cmd Command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.Type, err)
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(wctx, kafka.Message{Key: []byte(cmd.RequestID), Value: b}); err != nil {
		return fmt.Errorf("publish %s for request %s: %w", cmd.Type, cmd.RequestID, err)
	}
	return nil
}

func (k *KafkaBus) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
