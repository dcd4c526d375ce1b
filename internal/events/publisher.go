// internal/events/publisher.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/pkg/kafka"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

// Config: публикация сигналов в Kafka (выключено по умолчанию).
type Config struct {
	Enabled bool         `mapstructure:"enabled"`
	Topic   string       `mapstructure:"topic"`
	Kafka   kafka.Config `mapstructure:",squash"`
}

func (c *Config) ApplyDefaults() {
	if c.Topic == "" {
		c.Topic = "dashboard.signals"
	}
	c.Kafka.ApplyDefaults()
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka: topic is required")
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

// Publisher forwards received signals to downstream consumers.
type Publisher interface {
	PublishSignal(ctx context.Context, sig signal.Signal) error
	Ping(ctx context.Context) error
	Close() error
}

// SignalEvent is the wire value written to the topic.
type SignalEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Instrument string          `json:"instrument"`
	FeedSymbol string          `json:"feed_symbol"`
	Price      float64         `json:"price"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// KafkaPublisher writes SignalEvent JSON keyed by instrument.
type KafkaPublisher struct {
	producer kafka.Producer
	topic    string
	source   string
	log      *logger.Logger
}

func NewKafkaPublisher(producer kafka.Producer, topic, source string, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, source: source, log: log.Named("events")}
}

func (p *KafkaPublisher) PublishSignal(ctx context.Context, sig signal.Signal) error {
	ev := SignalEvent{
		ID:         uuid.NewString(),
		Source:     p.source,
		Instrument: sig.Instrument,
		FeedSymbol: instrument.FeedSymbolFor(sig.Instrument),
		Price:      sig.Price,
		Payload:    sig.Payload,
		ReceivedAt: sig.ReceivedAt.UTC(),
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, []byte(sig.Instrument), value); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	p.log.WithContext(ctx).Debug("signal published",
		zap.String("topic", p.topic),
		zap.String("event_id", ev.ID),
		zap.String("instrument", sig.Instrument),
	)
	return nil
}

func (p *KafkaPublisher) Ping(ctx context.Context) error { return p.producer.Ping(ctx) }

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishSignal(context.Context, signal.Signal) error { return nil }
func (NopPublisher) Ping(context.Context) error                         { return nil }
func (NopPublisher) Close() error                                       { return nil }

// New returns a KafkaPublisher when cfg.Enabled, otherwise NopPublisher.
func New(ctx context.Context, cfg Config, source string, log *logger.Logger) (Publisher, error) {
	if !cfg.Enabled {
		log.Info("events: kafka publishing disabled")
		return NopPublisher{}, nil
	}
	cfg.ApplyDefaults()
	prod, err := kafka.NewProducer(ctx, cfg.Kafka, log)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	return NewKafkaPublisher(prod, cfg.Topic, source, log), nil
}
