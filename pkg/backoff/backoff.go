// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

var (
	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dashboard", Subsystem: "retry", Name: "outcomes_total",
		Help: "Retried operations by outcome (retry|success|giveup)",
	}, []string{"operation", "outcome"})
	waits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dashboard", Subsystem: "retry", Name: "wait_seconds",
		Help:    "Delay before the next attempt",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})
)

// Config: экспоненциальная задержка между попытками.
// Нулевые значения заменяются значениями по умолчанию (1s, ×2, jitter 0.5, max 30s).
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // 0..1
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	// MaxElapsedTime: 0 → без ограничения по времени.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
	// MaxRetries: 0 → без ограничения по числу повторов.
	MaxRetries uint64 `mapstructure:"max_retries"`
	// PerAttemptTimeout ограничивает каждую попытку; 0 → без таймаута.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c Config) Validate() error {
	switch {
	case c.RandomizationFactor < 0 || c.RandomizationFactor > 1:
		return errors.New("backoff: randomization_factor must be within [0,1]")
	case c.Multiplier != 0 && c.Multiplier < 1:
		return errors.New("backoff: multiplier must be >= 1")
	case c.MaxElapsedTime < 0, c.PerAttemptTimeout < 0:
		return errors.New("backoff: durations must not be negative")
	}
	return nil
}

func (c Config) policy(ctx context.Context) backoff.BackOffContext {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     orDuration(c.InitialInterval, time.Second),
		RandomizationFactor: orFloat(c.RandomizationFactor, 0.5),
		Multiplier:          orFloat(c.Multiplier, 2),
		MaxInterval:         orDuration(c.MaxInterval, 30*time.Second),
		MaxElapsedTime:      c.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	var b backoff.BackOff = eb
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// RetryableFunc: одна попытка операции.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries возвращается, когда попытки исчерпаны, ошибка помечена
// Permanent или отменён ctx. Unwrap отдаёт последнюю ошибку fn.
type ErrMaxRetries struct {
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent прекращает повторы.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn до успеха по политике cfg.
// operation попадает в метки метрик и в логи.
func Execute(ctx context.Context, operation string, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	attempts := 0
	attempt := func() error {
		attempts++
		if cfg.PerAttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		defer cancel()
		return fn(actx)
	}
	onRetry := func(err error, wait time.Duration) {
		outcomes.WithLabelValues(operation, "retry").Inc()
		waits.WithLabelValues(operation).Observe(wait.Seconds())
		log.WithContext(ctx).Warn("retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(attempt, cfg.policy(ctx), onRetry); err != nil {
		outcomes.WithLabelValues(operation, "giveup").Inc()
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}
	outcomes.WithLabelValues(operation, "success").Inc()
	return nil
}
