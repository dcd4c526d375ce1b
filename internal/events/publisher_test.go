package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
	"github.com/gobeng5/forex-chart-dashboard/pkg/kafka"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

var quickRetry = backoff.Config{InitialInterval: time.Millisecond, MaxRetries: 1}

func TestKafkaPublisher_PublishSignal(t *testing.T) {
	var sent *sarama.ProducerMessage
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		sent = msg
		return nil
	})
	pub := NewKafkaPublisher(kafka.Wrap(mp, quickRetry, logger.NewNop()), "dashboard.signals", "dashboard", logger.NewNop())

	sig := signal.Signal{
		Instrument: "Volatility 75 Index",
		Price:      1234.56,
		Payload:    json.RawMessage(`{"direction":"BUY"}`),
		ReceivedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := pub.PublishSignal(context.Background(), sig); err != nil {
		t.Fatalf("PublishSignal: %v", err)
	}
	if sent == nil {
		t.Fatal("nothing sent")
	}
	key, _ := sent.Key.Encode()
	if sent.Topic != "dashboard.signals" || string(key) != "Volatility 75 Index" {
		t.Errorf("topic/key = %q/%q", sent.Topic, key)
	}

	value, _ := sent.Value.Encode()
	var ev SignalEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ID == "" || ev.Source != "dashboard" {
		t.Errorf("id/source = %q/%q", ev.ID, ev.Source)
	}
	if ev.FeedSymbol != "R_75" || ev.Price != 1234.56 {
		t.Errorf("feed/price = %q/%v", ev.FeedSymbol, ev.Price)
	}
	if string(ev.Payload) != `{"direction":"BUY"}` {
		t.Errorf("payload = %s", ev.Payload)
	}
	if !ev.ReceivedAt.Equal(sig.ReceivedAt) {
		t.Errorf("received_at = %v", ev.ReceivedAt)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	mp := mocks.NewSyncProducer(t, nil)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	pub := NewKafkaPublisher(kafka.Wrap(mp, quickRetry, logger.NewNop()), "t", "dashboard", logger.NewNop())

	err := pub.PublishSignal(context.Background(), signal.Signal{Instrument: "Boom 1000"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("err = %v, want ErrOutOfBrokers", err)
	}
	_ = pub.Close()
}

func TestNew_Disabled(t *testing.T) {
	pub, err := New(context.Background(), Config{}, "dashboard", logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := pub.(NopPublisher); !ok {
		t.Fatalf("got %T, want NopPublisher", pub)
	}
	if err := pub.PublishSignal(context.Background(), signal.Signal{}); err != nil {
		t.Errorf("nop publish: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"enabled no brokers", Config{Enabled: true, Topic: "t"}, true},
		{"enabled no topic", Config{Enabled: true}, true},
		{"bad acks", Config{Enabled: true, Topic: "t", Kafka: kafka.Config{Brokers: []string{"k"}, RequiredAcks: "x", Compression: "none"}}, true},
		{"ok", Config{Enabled: true, Topic: "t", Kafka: kafka.Config{Brokers: []string{"k"}, RequiredAcks: "all", Compression: "none"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
