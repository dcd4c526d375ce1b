package signal

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
)

// Config: параметры клиента сервиса сигналов и цикла опроса.
type Config struct {
	BaseURL      string         `mapstructure:"base_url"`
	Timeout      time.Duration  `mapstructure:"timeout"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	HistorySize  int            `mapstructure:"history_size"`
	Backoff      backoff.Config `mapstructure:"backoff"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8000"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("signal: base_url is required")
	case err != nil:
		return fmt.Errorf("signal: invalid base_url %q: %w", c.BaseURL, err)
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("signal: base_url scheme must be http or https, got %q", u.Scheme)
	case c.PollInterval < time.Second:
		return fmt.Errorf("signal: poll_interval must be ≥ 1s")
	case c.HistorySize <= 0:
		return fmt.Errorf("signal: history_size must be > 0")
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	return nil
}
