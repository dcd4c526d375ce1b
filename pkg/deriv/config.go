// pkg/deriv/config.go
package deriv

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// DefaultURL is the public Deriv WebSocket API endpoint.
const DefaultURL = "wss://ws.derivws.com/websockets/v3"

// Config holds WebSocket configuration for the Deriv tick connector.
type Config struct {
	URL              string        `mapstructure:"ws_url"`
	AppID            int           `mapstructure:"app_id"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout / 3
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
}

// Validate checks config for required fields.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	switch {
	case c.URL == "":
		return fmt.Errorf("deriv: URL is required")
	case err != nil:
		return fmt.Errorf("deriv: invalid URL %q: %w", c.URL, err)
	case u.Scheme != "ws" && u.Scheme != "wss":
		return fmt.Errorf("deriv: URL scheme must be ws or wss, got %q", u.Scheme)
	case c.AppID < 0:
		return fmt.Errorf("deriv: app_id must be ≥ 0")
	default:
		return nil
	}
}

// Endpoint returns the dial URL with the app_id query parameter, if any.
func (c *Config) Endpoint() string {
	if c.AppID == 0 {
		return c.URL
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return c.URL
	}
	q := u.Query()
	q.Set("app_id", strconv.Itoa(c.AppID))
	u.RawQuery = q.Encode()
	return u.String()
}
