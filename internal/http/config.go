// internal/http/config.go
package http

import (
	"fmt"
	"strings"
	"time"
)

// Config: HTTP-сервер дашборда.
type Config struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	MetricsPath string `mapstructure:"metrics_path"`
	HealthzPath string `mapstructure:"healthz_path"`
	ReadyzPath  string `mapstructure:"readyz_path"`

	// PushInterval: как часто /api/ws шлёт снимок, если котировок нет.
	PushInterval time.Duration `mapstructure:"push_interval"`
	// AllowedOrigins пуст → любой Origin (CORS и WebSocket).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	orDuration(&c.ReadTimeout, 10*time.Second)
	orDuration(&c.WriteTimeout, 15*time.Second)
	orDuration(&c.IdleTimeout, time.Minute)
	orDuration(&c.ShutdownTimeout, 5*time.Second)
	orDuration(&c.PushInterval, 5*time.Second)
	orString(&c.MetricsPath, "/metrics")
	orString(&c.HealthzPath, "/healthz")
	orString(&c.ReadyzPath, "/readyz")
}

func orDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func orString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

// Validate: служебные пути абсолютные, различны и не пересекаются с /api.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("http: port %d out of range", c.Port)
	}
	seen := make(map[string]bool, 3)
	for _, p := range []string{c.MetricsPath, c.HealthzPath, c.ReadyzPath} {
		switch {
		case !strings.HasPrefix(p, "/"):
			return fmt.Errorf("http: path %q must be absolute", p)
		case p == "/api" || strings.HasPrefix(p, "/api/"):
			return fmt.Errorf("http: path %q collides with the API prefix", p)
		case seen[p]:
			return fmt.Errorf("http: path %q used twice", p)
		}
		seen[p] = true
	}
	return nil
}
