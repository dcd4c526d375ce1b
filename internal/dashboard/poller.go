// internal/dashboard/poller.go
package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/events"
	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/internal/ticks"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

// ErrNoQuote: there is no live quote to ask a signal for.
var ErrNoQuote = errors.New("dashboard: no live quote")

// NoSignalAvailable is shown when the last signal request failed.
const NoSignalAvailable = "no signal available"

// QuoteSource is the part of ticks.Manager the dashboard reads.
type QuoteSource interface {
	CurrentQuote() (ticks.Quote, bool)
	Status() ticks.Status
}

// Snapshot is the presentation view of the dashboard.
type Snapshot struct {
	Instrument  string          `json:"instrument"`
	FeedSymbol  string          `json:"feed_symbol"`
	FeedState   ticks.State     `json:"feed_state"`
	FeedError   string          `json:"feed_error,omitempty"`
	Quote       *ticks.Quote    `json:"quote"`
	Signal      *signal.Signal  `json:"signal"`
	SignalError string          `json:"signal_error,omitempty"`
	History     []signal.Signal `json:"history"`
	Instruments []string        `json:"instruments"`
}

// Poller periodically asks the signal service about the current quote.
type Poller struct {
	quotes    QuoteSource
	generator signal.Generator
	publisher events.Publisher
	history   *History
	interval  time.Duration
	log       *logger.Logger

	// serializes refresh cycles
	refreshMu sync.Mutex

	mu      sync.RWMutex
	last    *signal.Signal
	lastErr string
}

// NewPoller wires the poller; a nil publisher means events.NopPublisher.
func NewPoller(quotes QuoteSource, gen signal.Generator, pub events.Publisher, cfg signal.Config, log *logger.Logger) *Poller {
	cfg.ApplyDefaults()
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Poller{
		quotes:    quotes,
		generator: gen,
		publisher: pub,
		history:   NewHistory(cfg.HistorySize),
		interval:  cfg.PollInterval,
		log:       log.Named("poller"),
	}
}

// Run refreshes every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started", zap.Duration("interval", p.interval))
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-t.C:
			if _, err := p.Refresh(ctx); err != nil && !errors.Is(err, ErrNoQuote) && ctx.Err() == nil {
				p.log.Debug("refresh failed", zap.Error(err))
			}
		}
	}
}

// Refresh runs one cycle. Failures become the "no signal available" state;
// the returned error is informational.
func (p *Poller) Refresh(ctx context.Context) (*signal.Signal, error) {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	q, ok := p.quotes.CurrentQuote()
	if !ok {
		return nil, ErrNoQuote
	}

	sig, err := p.generator.Generate(ctx, q.Instrument, q.Value)

	// the selection may have moved on while the request was in flight
	if cur := p.quotes.Status().Instrument; cur != q.Instrument {
		p.log.Debug("signal dropped, instrument changed",
			zap.String("requested", q.Instrument), zap.String("current", cur))
		return nil, nil
	}

	p.mu.Lock()
	switch {
	case err != nil:
		p.last = nil
		p.lastErr = NoSignalAvailable
	case sig == nil:
		p.last = nil
		p.lastErr = ""
	default:
		p.last = sig
		p.lastErr = ""
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("signal unavailable", zap.String("instrument", q.Instrument), zap.Error(err))
		return nil, err
	}
	if sig == nil {
		return nil, nil
	}

	p.history.Add(*sig)
	if perr := p.publisher.PublishSignal(ctx, *sig); perr != nil {
		p.log.Warn("signal publish failed", zap.Error(perr))
	}
	return sig, nil
}

// LastSignal returns the last result for the bound instrument; nil means no signal.
func (p *Poller) LastSignal() *signal.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) History() *History { return p.history }

// Snapshot assembles the presentation view. A signal for another
// instrument than the bound one is not shown.
func (p *Poller) Snapshot() Snapshot {
	st := p.quotes.Status()
	snap := Snapshot{
		Instrument:  st.Instrument,
		FeedSymbol:  st.FeedSymbol,
		FeedState:   st.State,
		FeedError:   st.LastError,
		History:     p.history.List(),
		Instruments: instrument.Instruments(),
	}
	if q, ok := p.quotes.CurrentQuote(); ok {
		snap.Quote = &q
	}

	p.mu.RLock()
	if p.last != nil && p.last.Instrument == st.Instrument {
		s := *p.last
		snap.Signal = &s
	}
	snap.SignalError = p.lastErr
	p.mu.RUnlock()
	return snap
}
