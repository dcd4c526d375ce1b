// internal/signal/client.go
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/metrics"
	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

const (
	generatePath = "/generate-signal/"
	maxBodyBytes = 1 << 20
	maxErrorBody = 256
)

var tracer = otel.Tracer("dashboard/signal")

// Generator is what the poller needs from the signal service.
type Generator interface {
	Generate(ctx context.Context, instrument string, price float64) (*Signal, error)
}

// Client calls POST {base_url}/generate-signal/.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	log      *logger.Logger
	now      func() time.Time
}

type generateRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// NewClient validates cfg; a nil httpClient means http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, log *logger.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:      cfg,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + generatePath,
		http:     httpClient,
		log:      log.Named("signal"),
		now:      time.Now,
	}, nil
}

// Generate asks for a signal for instrument at price. (nil, nil) means the
// service answered with no signal. 4xx answers and malformed bodies are not
// retried.
func (c *Client) Generate(ctx context.Context, instrument string, price float64) (*Signal, error) {
	rid := uuid.NewString()
	ctx = logger.ContextWithRequestID(ctx, rid)
	ctx, span := tracer.Start(ctx, "signal.generate", trace.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.Float64("price", price),
	))
	defer span.End()
	log := c.log.WithContext(ctx)

	start := time.Now()
	var sig *Signal
	err := backoff.Execute(ctx, "signal_generate", c.cfg.Backoff, log, func(ctx context.Context) error {
		s, err := c.post(ctx, rid, instrument, price)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && !httpErr.Retryable() {
				return backoff.Permanent(err)
			}
			if errors.Is(err, ErrMalformedResponse) {
				return backoff.Permanent(err)
			}
			return err
		}
		sig = s
		return nil
	})
	metrics.SignalLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SignalRequests.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		log.Warn("signal: request failed", zap.String("instrument", instrument), zap.Error(err))
		return nil, err
	}
	if sig == nil {
		metrics.SignalRequests.WithLabelValues("no_signal").Inc()
		log.Debug("signal: none", zap.String("instrument", instrument))
		return nil, nil
	}

	metrics.SignalRequests.WithLabelValues("signal").Inc()
	sum := sig.Summary()
	log.Info("signal: received",
		zap.String("instrument", instrument),
		zap.Float64("price", price),
		zap.String("direction", sum.Direction),
		zap.Float64("confidence", sum.Confidence),
	)
	return sig, nil
}

func (c *Client) post(ctx context.Context, rid, instrument string, price float64) (*Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Symbol: instrument, Price: price})
	if err != nil {
		return nil, fmt.Errorf("signal: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("signal: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rid)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal: post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("signal: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: msg}
	}

	payload, err := decodeEnvelope(data)
	if err != nil || payload == nil {
		return nil, err
	}
	return &Signal{
		Instrument: instrument,
		Price:      price,
		Payload:    payload,
		ReceivedAt: c.now(),
	}, nil
}
