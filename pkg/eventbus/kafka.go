// Package eventbus publishes gateway decision events to Kafka for
// downstream analytics. Publishing is fire-and-forget from the proxy
// path; a broker outage never blocks a request.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"rulegate/pkg/stream"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer kafkaWriter
}

type Config struct {
	Brokers []string
	Topic   string
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: w}, nil
}

// PublishDecision keys the message by app so one app's events stay
// ordered within a partition.
func (p *Publisher) PublishDecision(ctx context.Context, d stream.Decision) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	value, err := json.Marshal(stream.NewDecisionEvent(d))
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.App),
		Value: value,
	})
}

// TryPublishDecision logs instead of failing, for use on the request
// path.
func (p *Publisher) TryPublishDecision(ctx context.Context, d stream.Decision) {
	if p == nil || p.writer == nil {
		return
	}
	if err := p.PublishDecision(ctx, d); err != nil {
		log.Printf("publish decision %s: %v", d.ID, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
