// pkg/kafka/producer.go
//
// Пакет kafka: синхронная публикация в Kafka поверх Sarama
// с ретраями, otel-трассировкой и prometheus-метриками.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

// Producer публикует сообщения в Kafka.
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	// Ping обновляет метаданные кластера.
	Ping(ctx context.Context) error
	Close() error
}

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard", Subsystem: "kafka", Name: "publish_total",
		Help: "Kafka publishes by topic and result (ok|error)",
	}, []string{"topic", "result"})
	publishSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dashboard", Subsystem: "kafka", Name: "publish_seconds",
		Help:    "Kafka publish latency including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})
	connectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dashboard", Subsystem: "kafka", Name: "connect_failures_total",
		Help: "Failed attempts to connect the producer",
	})
)

var tracer = otel.Tracer("forex-chart-dashboard/kafka")

var acksByName = map[string]sarama.RequiredAcks{
	"all":    sarama.WaitForAll,
	"leader": sarama.WaitForLocal,
	"none":   sarama.NoResponse,
}

var codecByName = map[string]sarama.CompressionCodec{
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

// Config: настройки sync-продьюсера.
type Config struct {
	Brokers      []string       `mapstructure:"brokers"`
	RequiredAcks string         `mapstructure:"acks"`        // all|leader|none
	Timeout      time.Duration  `mapstructure:"timeout"`     // ожидание ack
	Compression  string         `mapstructure:"compression"` // none|gzip|snappy|lz4|zstd
	Backoff      backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults: acks=all, compression=none, timeout=5s.
func (c *Config) ApplyDefaults() {
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers required")
	}
	if _, ok := acksByName[strings.ToLower(c.RequiredAcks)]; !ok {
		return fmt.Errorf("acks %q: want all, leader or none", c.RequiredAcks)
	}
	if _, ok := codecByName[strings.ToLower(c.Compression)]; !ok {
		return fmt.Errorf("compression %q: want none, gzip, snappy, lz4 or zstd", c.Compression)
	}
	return c.Backoff.Validate()
}

func (c Config) sarama() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = acksByName[strings.ToLower(c.RequiredAcks)]
	sc.Producer.Compression = codecByName[strings.ToLower(c.Compression)]
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	// идемпотентный режим допустим только при acks=all
	if sc.Producer.RequiredAcks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	return sc
}

type syncProducer struct {
	prod   sarama.SyncProducer
	client sarama.Client
	retry  backoff.Config
	log    *logger.Logger
}

// NewProducer подключается к брокерам (с ретраями по cfg.Backoff)
// и возвращает продьюсер, обёрнутый otelsarama.
func NewProducer(ctx context.Context, cfg Config, log *logger.Logger) (Producer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	sc := cfg.sarama()

	ctx, span := tracer.Start(ctx, "kafka.connect",
		trace.WithAttributes(attribute.StringSlice("messaging.kafka.brokers", cfg.Brokers)))
	defer span.End()

	var (
		client sarama.Client
		prod   sarama.SyncProducer
	)
	err := backoff.Execute(ctx, "kafka_connect", cfg.Backoff, log, func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			connectFailures.Inc()
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			connectFailures.Inc()
			_ = c.Close()
			return err
		}
		client, prod = c, p
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("kafka: connect %v: %w", cfg.Brokers, err)
	}

	log.Info("kafka producer connected", zap.Strings("brokers", cfg.Brokers), zap.String("acks", cfg.RequiredAcks))
	p := Wrap(otelsarama.WrapSyncProducer(sc, prod), cfg.Backoff, log)
	p.(*syncProducer).client = client
	return p, nil
}

// Wrap оборачивает готовый sarama.SyncProducer (например, mocks.SyncProducer).
// Ping у такого продьюсера всегда успешен.
func Wrap(prod sarama.SyncProducer, retry backoff.Config, log *logger.Logger) Producer {
	return &syncProducer{prod: prod, retry: retry, log: log.Named("kafka")}
}

func (p *syncProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "kafka.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.destination.name", topic)))
	defer span.End()

	started := time.Now()
	err := backoff.Execute(ctx, "kafka_publish", p.retry, p.log, func(context.Context) error {
		_, _, err := p.prod.SendMessage(&sarama.ProducerMessage{
			Topic: topic,
			Key:   sarama.ByteEncoder(key),
			Value: sarama.ByteEncoder(value),
		})
		return err
	})
	publishSeconds.WithLabelValues(topic).Observe(time.Since(started).Seconds())

	if err != nil {
		publishTotal.WithLabelValues(topic, "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		p.log.WithContext(ctx).Warn("kafka publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	publishTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (p *syncProducer) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	_, span := tracer.Start(ctx, "kafka.ping")
	defer span.End()
	if err := p.client.RefreshMetadata(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka: refresh metadata: %w", err)
	}
	return nil
}

// Close закрывает продьюсер, затем клиент; ошибки объединяются.
func (p *syncProducer) Close() error {
	err := p.prod.Close()
	if p.client != nil && !p.client.Closed() {
		err = errors.Join(err, p.client.Close())
	}
	if err != nil {
		return fmt.Errorf("kafka: close: %w", err)
	}
	p.log.Info("kafka producer closed")
	return nil
}
