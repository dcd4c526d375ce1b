// pkg/logger/logger.go
package logger

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// Config: Level = debug|info|warn|error (пусто → info),
// DevMode переключает вывод на консольный без семплинга.
type Config struct {
	Level   string `mapstructure:"level"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// ParseLevel разбирает уровень логирования; пустая строка означает info.
func (c Config) ParseLevel() (zapcore.Level, error) {
	if c.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// Logger оборачивает *zap.Logger и умеет подтягивать поля запроса из context.
type Logger struct {
	z *zap.Logger
}

// New строит логгер. Не забудьте Sync() при завершении процесса.
func New(cfg Config) (*Logger, error) {
	lvl, err := cfg.ParseLevel()
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.DevMode {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	tuneEncoder(&zc.EncoderConfig)

	z, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return &Logger{z: z}, nil
}

func tuneEncoder(ec *zapcore.EncoderConfig) {
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder
}

// NewNop: логгер для тестов.
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

// FromZap оборачивает готовый zap-логгер (zaptest/observer и т.п.).
func FromZap(z *zap.Logger) *Logger { return &Logger{z: z} }

// Sync игнорирует ошибку: на stdout/stderr fsync обычно не поддерживается.
func (l *Logger) Sync() { _ = l.z.Sync() }

func (l *Logger) Named(name string) *Logger { return &Logger{z: l.z.Named(name)} }

func (l *Logger) With(fields ...zap.Field) *Logger { return &Logger{z: l.z.With(fields...)} }

// WithContext добавляет request_id (если он положен в ctx) и trace_id
// активного OpenTelemetry-спана.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if rid, ok := RequestIDFromContext(ctx); ok {
		fields = append(fields, zap.String("request_id", rid))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// ContextWithRequestID кладёт идентификатор запроса в ctx.
func ContextWithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, ctxKey{}, rid)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	rid, ok := ctx.Value(ctxKey{}).(string)
	return rid, ok && rid != ""
}
