// pkg/deriv/ws.go
package deriv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

// Client opens tick subscriptions against the Deriv WebSocket API.
type Client struct {
	cfg    Config
	dialer Dialer
	log    *logger.Logger
}

// NewClient validates cfg and builds a Client. A nil dialer means gorilla/websocket.
func NewClient(cfg Config, dialer Dialer, log *logger.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = WSDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return &Client{cfg: cfg, dialer: dialer, log: log.Named("deriv-ws")}, nil
}

// Stream is one open connection subscribed to a single feed symbol.
type Stream struct {
	conn       Conn
	feedSymbol string
	cfg        Config
	log        *logger.Logger

	stopPing  context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Open dials the endpoint and sends {"ticks": feedSymbol, "subscribe": 1}.
// The returned Stream must be closed by the caller.
func (c *Client) Open(ctx context.Context, feedSymbol string) (*Stream, error) {
	if feedSymbol == "" {
		return nil, fmt.Errorf("deriv: feed symbol is required")
	}
	conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("deriv: dial: %w", err)
	}

	conn.SetReadLimit(c.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(SubscribeRequest{Ticks: feedSymbol, Subscribe: 1}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("deriv: subscribe %s: %w", feedSymbol, err)
	}

	pingCtx, stopPing := context.WithCancel(context.Background())
	s := &Stream{
		conn:       conn,
		feedSymbol: feedSymbol,
		cfg:        c.cfg,
		log:        c.log.With(zap.String("feed_symbol", feedSymbol)),
		stopPing:   stopPing,
	}
	go s.pingLoop(pingCtx)

	s.log.Info("ws: subscribed")
	return s, nil
}

// FeedSymbol returns the symbol this stream is subscribed to.
func (s *Stream) FeedSymbol() string { return s.feedSymbol }

// Next blocks until the next inbound frame and parses it.
// Read errors end the stream; parse and API errors do not.
func (s *Stream) Next() (Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("deriv: read: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	return ParseMessage(data)
}

// Close stops the keep-alive and closes the socket. Safe to call repeatedly.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.stopPing()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
		s.log.Debug("ws: closed")
	})
	return s.closeErr
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.log.Warn("ws: ping failed", zap.Error(err))
				return
			}
		}
	}
}
