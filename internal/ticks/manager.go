// internal/ticks/manager.go
package ticks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/internal/metrics"
	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
	"github.com/gobeng5/forex-chart-dashboard/pkg/deriv"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

var tracer = otel.Tracer("dashboard/ticks")

// ErrSubscribeTimeout is reported when no message follows the subscribe request in time.
var ErrSubscribeTimeout = errors.New("ticks: no message after subscribe")

// Stream is one open quote connection.
type Stream interface {
	Next() (deriv.Event, error)
	Close() error
}

// Opener dials the quote endpoint and subscribes to a feed symbol.
type Opener interface {
	Open(ctx context.Context, feedSymbol string) (Stream, error)
}

type derivOpener struct{ client *deriv.Client }

func (o derivOpener) Open(ctx context.Context, feedSymbol string) (Stream, error) {
	s, err := o.client.Open(ctx, feedSymbol)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FromDeriv adapts a deriv.Client to Opener.
func FromDeriv(c *deriv.Client) Opener { return derivOpener{client: c} }

// ReconnectConfig enables bounded reconnects of a dropped connection.
// Disabled by default: a dropped feed stays unavailable until the next bind.
type ReconnectConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

// Config holds manager tunables.
type Config struct {
	// SubscribeTimeout: zero disables the acknowledgment check.
	SubscribeTimeout time.Duration   `mapstructure:"subscribe_timeout"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
}

// Manager keeps exactly one live subscription matching the selected instrument.
//
// Every bind increments the generation; events carry the generation of the
// connection they came from and are dropped unless it is still current.
type Manager struct {
	opener Opener
	cfg    Config
	log    *logger.Logger
	now    func() time.Time

	mu         sync.Mutex
	gen        uint64
	instrument string
	feedSymbol string
	cancel     context.CancelFunc
	stream     Stream
	state      State
	lastErr    error
	since      time.Time
	quote      *Quote

	listeners    map[int]chan Quote
	nextListener int

	wg sync.WaitGroup
}

// NewManager creates an idle manager; nothing is dialed until Start.
func NewManager(opener Opener, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		opener:    opener,
		cfg:       cfg,
		log:       log.Named("ticks"),
		now:       time.Now,
		since:     time.Now(),
		listeners: make(map[int]chan Quote),
	}
}

// Start binds the manager to instrument and opens its subscription in the
// background. Any previous connection is closed first. Errors are reported
// through Status, never returned.
func (m *Manager) Start(instrumentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindLocked(instrumentName)
}

// OnSelectionChange rebinds when the selection differs from the bound
// instrument. Repeated identical selections are no-ops; so are selections
// after Stop.
func (m *Manager) OnSelectionChange(instrumentName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateStopped:
		m.log.Debug("feed: selection ignored, manager stopped", zap.String("instrument", instrumentName))
		return
	case m.gen > 0 && m.instrument == instrumentName:
		return
	}
	metrics.Rebinds.Inc()
	m.bindLocked(instrumentName)
}

// CurrentQuote returns the latest quote of the current connection; false
// means no value has arrived since the last (re)bind.
func (m *Manager) CurrentQuote() (Quote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quote == nil {
		return Quote{}, false
	}
	return *m.quote, true
}

// Status returns a snapshot of the current binding.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Instrument: m.instrument,
		FeedSymbol: m.feedSymbol,
		State:      m.state,
		Generation: m.gen,
		Since:      m.since,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Stop closes the active connection and releases listeners. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return
	}
	m.closeCurrentLocked()
	// invalidates events still in flight
	m.gen++
	m.quote = nil
	m.lastErr = nil
	m.setStateLocked(StateStopped)
	for id, ch := range m.listeners {
		close(ch)
		delete(m.listeners, id)
	}
	m.log.Info("feed: stopped")
}

// Wait blocks until all connection goroutines have exited (after Stop).
func (m *Manager) Wait() { m.wg.Wait() }

// Subscribe registers a quote listener. Slow listeners miss values rather
// than blocking the reader. The returned func unregisters the listener.
func (m *Manager) Subscribe(buffer int) (<-chan Quote, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Quote, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		close(ch)
		return ch, func() {}
	}
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.listeners[id]; ok {
				close(c)
				delete(m.listeners, id)
			}
		})
	}
}

func (m *Manager) bindLocked(instrumentName string) {
	m.closeCurrentLocked()

	m.gen++
	gen := m.gen
	feed := instrument.FeedSymbolFor(instrumentName)
	m.instrument = instrumentName
	m.feedSymbol = feed
	m.quote = nil
	m.lastErr = nil
	m.setStateLocked(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.log.Info("feed: bind",
		zap.String("instrument", instrumentName),
		zap.String("feed_symbol", feed),
		zap.Uint64("generation", gen),
	)

	m.wg.Add(1)
	go m.run(ctx, gen, feed)
}

func (m *Manager) closeCurrentLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.log.Debug("feed: close error", zap.Error(err))
		}
		m.stream = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.since = m.now()
	}
	m.state = s
	metrics.FeedState.Set(float64(s))
}

// run owns one binding: open, read until failure, optionally reconnect.
func (m *Manager) run(ctx context.Context, gen uint64, feed string) {
	defer m.wg.Done()

	for {
		stream, err := m.open(ctx, feed)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.FeedConnects.WithLabelValues("error").Inc()
			m.fail(gen, "dial", err, true)
			return
		}
		if !m.attach(gen, stream) {
			_ = stream.Close()
			return
		}
		metrics.FeedConnects.WithLabelValues("ok").Inc()

		err = m.read(gen, stream)
		if ctx.Err() != nil || err == nil {
			return
		}
		m.fail(gen, "read", err, true)
		if !m.detach(gen, stream) || !m.cfg.Reconnect.Enabled {
			return
		}
		m.log.Info("feed: reconnecting", zap.String("feed_symbol", feed), zap.Uint64("generation", gen))
	}
}

func (m *Manager) open(ctx context.Context, feed string) (Stream, error) {
	ctx, span := tracer.Start(ctx, "ticks.open",
		trace.WithAttributes(attribute.String("feed_symbol", feed)))
	defer span.End()

	if !m.cfg.Reconnect.Enabled {
		s, err := m.opener.Open(ctx, feed)
		if err != nil {
			span.RecordError(err)
		}
		return s, err
	}

	var stream Stream
	err := backoff.Execute(ctx, "feed_connect", m.cfg.Reconnect.Backoff, m.log, func(ctx context.Context) error {
		s, err := m.opener.Open(ctx, feed)
		if err != nil {
			metrics.FeedConnects.WithLabelValues("error").Inc()
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return stream, nil
}

// attach makes stream the current connection unless gen was superseded.
func (m *Manager) attach(gen uint64, stream Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == StateStopped {
		metrics.StaleEvents.Inc()
		return false
	}
	m.stream = stream
	m.setStateLocked(StateConnecting)
	if m.cfg.SubscribeTimeout > 0 {
		time.AfterFunc(m.cfg.SubscribeTimeout, func() { m.ackTimeout(gen, stream) })
	}
	return true
}

// detach forgets stream if it is still the current one.
func (m *Manager) detach(gen uint64, stream Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.stream != stream {
		return false
	}
	_ = stream.Close()
	m.stream = nil
	return true
}

func (m *Manager) read(gen uint64, stream Stream) error {
	for {
		ev, err := stream.Next()
		if err != nil {
			var apiErr *deriv.APIError
			switch {
			case errors.As(err, &apiErr):
				m.fail(gen, "api", err, false)
				continue
			case errors.Is(err, deriv.ErrMalformedFrame):
				m.fail(gen, "malformed", err, false)
				continue
			}
			if !m.isCurrent(gen) {
				return nil
			}
			return err
		}
		if !ev.HasQuote {
			continue
		}
		if !m.apply(gen, ev) {
			return nil
		}
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state != StateStopped
}

// apply stores the quote if gen is current; false means the caller is stale.
func (m *Manager) apply(gen uint64, ev deriv.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == StateStopped {
		metrics.StaleEvents.Inc()
		return false
	}

	q := Quote{
		Instrument: m.instrument,
		FeedSymbol: m.feedSymbol,
		Value:      ev.Quote,
		Epoch:      ev.Epoch,
		ReceivedAt: m.now(),
	}
	m.quote = &q
	m.lastErr = nil
	m.setStateLocked(StateLive)
	metrics.QuotesTotal.WithLabelValues(m.feedSymbol).Inc()

	for _, ch := range m.listeners {
		select {
		case ch <- q:
		default:
		}
	}
	return true
}

// fail moves the current binding to StateUnavailable. dropQuote is set for
// errors that end the connection.
func (m *Manager) fail(gen uint64, kind string, err error, dropQuote bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == StateStopped {
		return
	}
	metrics.FeedErrors.WithLabelValues(kind).Inc()
	m.lastErr = fmt.Errorf("%s: %w", kind, err)
	if dropQuote {
		m.quote = nil
	}
	m.setStateLocked(StateUnavailable)
	m.log.Warn("feed: unavailable",
		zap.String("feed_symbol", m.feedSymbol),
		zap.String("kind", kind),
		zap.Uint64("generation", gen),
		zap.Error(err),
	)
}

func (m *Manager) ackTimeout(gen uint64, stream Stream) {
	m.mu.Lock()
	pending := gen == m.gen && m.stream == stream && m.state == StateConnecting
	m.mu.Unlock()
	if pending {
		m.fail(gen, "ack_timeout", ErrSubscribeTimeout, false)
	}
}
