// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/gobeng5/forex-chart-dashboard/internal/events"
	httpapi "github.com/gobeng5/forex-chart-dashboard/internal/http"
	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/internal/ticks"
	"github.com/gobeng5/forex-chart-dashboard/pkg/deriv"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
	"github.com/gobeng5/forex-chart-dashboard/pkg/telemetry"
)

// EnvPrefix: deriv.ws_url ↔ DASHBOARD_DERIV_WS_URL.
const EnvPrefix = "DASHBOARD"

type Config struct {
	ServiceName    string           `mapstructure:"service_name"`
	ServiceVersion string           `mapstructure:"service_version"`
	Deriv          DerivConfig      `mapstructure:"deriv"`
	Signal         signal.Config    `mapstructure:"signal"`
	Kafka          events.Config    `mapstructure:"kafka"`
	Telemetry      telemetry.Config `mapstructure:"telemetry"`
	Logging        logger.Config    `mapstructure:"logging"`
	HTTP           httpapi.Config   `mapstructure:"http"`
}

// DerivConfig — подключение к Deriv плюс поведение менеджера подписки.
type DerivConfig struct {
	deriv.Config      `mapstructure:",squash"`
	DefaultInstrument string                `mapstructure:"default_instrument"`
	SubscribeTimeout  time.Duration         `mapstructure:"subscribe_timeout"`
	Reconnect         ticks.ReconnectConfig `mapstructure:"reconnect"`
}

func (d DerivConfig) Manager() ticks.Config {
	return ticks.Config{SubscribeTimeout: d.SubscribeTimeout, Reconnect: d.Reconnect}
}

// defaults перекрываются файлом, а файл — переменными окружения.
var defaults = map[string]any{
	"service_name":    "forex-chart-dashboard",
	"service_version": "v1.0.0",

	"deriv.ws_url":                             deriv.DefaultURL,
	"deriv.app_id":                             1089,
	"deriv.handshake_timeout":                  "10s",
	"deriv.read_timeout":                       "60s",
	"deriv.write_timeout":                      "5s",
	"deriv.ping_interval":                      "20s",
	"deriv.read_limit":                         1 << 20,
	"deriv.default_instrument":                 instrument.Default(),
	"deriv.subscribe_timeout":                  "0s",
	"deriv.reconnect.enabled":                  false,
	"deriv.reconnect.backoff.initial_interval": "1s",
	"deriv.reconnect.backoff.max_interval":     "30s",
	"deriv.reconnect.backoff.max_elapsed_time": "5m",

	"signal.base_url":                 "http://localhost:8000",
	"signal.timeout":                  "10s",
	"signal.poll_interval":            "15s",
	"signal.history_size":             20,
	"signal.backoff.initial_interval": "500ms",
	"signal.backoff.max_interval":     "5s",
	"signal.backoff.max_elapsed_time": "10s",

	"kafka.enabled":                  false,
	"kafka.brokers":                  []string{},
	"kafka.topic":                    "dashboard.signals",
	"kafka.acks":                     "all",
	"kafka.timeout":                  "15s",
	"kafka.compression":              "none",
	"kafka.backoff.max_elapsed_time": "30s",

	"telemetry.enabled":       false,
	"telemetry.otel_endpoint": "otel-collector:4317",
	"telemetry.insecure":      true,
	"telemetry.timeout":       "5s",
	"telemetry.sampler_ratio": 1.0,

	"logging.level":    "info",
	"logging.dev_mode": false,

	"http.port":             8080,
	"http.read_timeout":     "10s",
	"http.write_timeout":    "15s",
	"http.idle_timeout":     "60s",
	"http.shutdown_timeout": "5s",
	"http.metrics_path":     "/metrics",
	"http.healthz_path":     "/healthz",
	"http.readyz_path":      "/readyz",
	"http.push_interval":    "5s",
	"http.allowed_origins":  []string{},
}

// Load читает defaults → файл path (если задан) → ENV, затем валидирует.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Deriv.ApplyDefaults()
	c.Signal.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	c.HTTP.ApplyDefaults()
	c.Telemetry.ServiceName = c.ServiceName
	c.Telemetry.ServiceVersion = c.ServiceVersion
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			parseBoolString,
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// parseBoolString нужен для булевых значений из ENV ("true"/"0"/...).
func parseBoolString(from, to reflect.Kind, data any) (any, error) {
	if from != reflect.String || to != reflect.Bool {
		return data, nil
	}
	return strconv.ParseBool(data.(string))
}

// Validate возвращает все найденные ошибки сразу.
func (c *Config) Validate() error {
	errs := []error{
		c.Deriv.Validate(),
		c.Signal.Validate(),
		c.Kafka.Validate(),
		c.Telemetry.Validate(),
		c.HTTP.Validate(),
	}
	if c.ServiceName == "" || c.ServiceVersion == "" {
		errs = append(errs, errors.New("service_name and service_version are required"))
	}
	if !instrument.IsKnown(c.Deriv.DefaultInstrument) {
		errs = append(errs, fmt.Errorf("deriv.default_instrument: unknown instrument %q", c.Deriv.DefaultInstrument))
	}
	if c.Deriv.SubscribeTimeout < 0 {
		errs = append(errs, errors.New("deriv.subscribe_timeout must not be negative"))
	}
	if err := c.Deriv.Reconnect.Backoff.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("deriv.reconnect: %w", err))
	}
	if _, err := c.Logging.ParseLevel(); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// Print выводит итоговый конфиг в stdout (флаг --print-config).
func (c *Config) Print() {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		fmt.Println("config: print:", err)
		return
	}
	fmt.Printf("effective configuration:\n%s\n", b)
}
