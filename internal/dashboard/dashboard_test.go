package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeng5/forex-chart-dashboard/internal/events"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/internal/ticks"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

type stubQuotes struct {
	mu     sync.Mutex
	quote  *ticks.Quote
	status ticks.Status
}

func (s *stubQuotes) CurrentQuote() (ticks.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quote == nil {
		return ticks.Quote{}, false
	}
	return *s.quote, true
}

func (s *stubQuotes) Status() ticks.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubQuotes) set(instrument, feed string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ticks.Status{Instrument: instrument, FeedSymbol: feed, State: ticks.StateLive}
	s.quote = &ticks.Quote{Instrument: instrument, FeedSymbol: feed, Value: v}
}

type stubGenerator struct {
	mu    sync.Mutex
	calls int
	sig   *signal.Signal
	err   error
	hook  func()
}

func (g *stubGenerator) Generate(_ context.Context, instrument string, price float64) (*signal.Signal, error) {
	g.mu.Lock()
	g.calls++
	sig, err, hook := g.sig, g.err, g.hook
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil || sig == nil {
		return nil, err
	}
	out := *sig
	out.Instrument = instrument
	out.Price = price
	return &out, nil
}

type recordingPublisher struct {
	events.NopPublisher
	mu   sync.Mutex
	sent []signal.Signal
}

func (r *recordingPublisher) PublishSignal(_ context.Context, sig signal.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sig)
	return nil
}

func newPoller(q QuoteSource, g signal.Generator, pub events.Publisher) *Poller {
	return NewPoller(q, g, pub, signal.Config{PollInterval: time.Second, HistorySize: 3}, logger.NewNop())
}

func TestHistory_CapNewestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(signal.Signal{Instrument: fmt.Sprintf("i%d", i)})
	}
	require.Equal(t, 3, h.Len())
	got := h.List()
	assert.Equal(t, []string{"i5", "i4", "i3"},
		[]string{got[0].Instrument, got[1].Instrument, got[2].Instrument})

	got[0].Instrument = "mutated"
	assert.Equal(t, "i5", h.List()[0].Instrument, "List must return a copy")
}

func TestHistory_DefaultSize(t *testing.T) {
	h := NewHistory(0)
	for i := 0; i < DefaultHistorySize+5; i++ {
		h.Add(signal.Signal{})
	}
	assert.Equal(t, DefaultHistorySize, h.Len())
}

func TestRefresh_NoQuote(t *testing.T) {
	g := &stubGenerator{}
	p := newPoller(&stubQuotes{}, g, nil)

	_, err := p.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoQuote)
	assert.Equal(t, 0, g.calls)
}

func TestRefresh_SignalRecordedAndPublished(t *testing.T) {
	q := &stubQuotes{}
	q.set("Volatility 75 Index", "R_75", 1234.56)
	g := &stubGenerator{sig: &signal.Signal{Payload: json.RawMessage(`{"direction":"BUY"}`)}}
	pub := &recordingPublisher{}
	p := newPoller(q, g, pub)

	sig, err := p.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 1234.56, sig.Price)
	assert.Equal(t, sig, p.LastSignal())
	assert.Equal(t, 1, p.History().Len())
	require.Len(t, pub.sent, 1)
	assert.Equal(t, "Volatility 75 Index", pub.sent[0].Instrument)

	snap := p.Snapshot()
	assert.Equal(t, "R_75", snap.FeedSymbol)
	assert.Equal(t, ticks.StateLive, snap.FeedState)
	require.NotNil(t, snap.Quote)
	assert.Equal(t, 1234.56, snap.Quote.Value)
	require.NotNil(t, snap.Signal)
	assert.Empty(t, snap.SignalError)
	assert.Len(t, snap.History, 1)
	assert.NotEmpty(t, snap.Instruments)
}

func TestRefresh_NoSignalNotRecorded(t *testing.T) {
	q := &stubQuotes{}
	q.set("Boom 1000", "R_100", 10)
	p := newPoller(q, &stubGenerator{}, nil)

	sig, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Nil(t, p.LastSignal())
	assert.Equal(t, 0, p.History().Len())
	assert.Empty(t, p.Snapshot().SignalError)
}

func TestRefresh_FailureShowsNoSignalAndRecovers(t *testing.T) {
	q := &stubQuotes{}
	q.set("Boom 1000", "R_100", 10)
	g := &stubGenerator{err: errors.New("connection refused")}
	p := newPoller(q, g, nil)

	_, err := p.Refresh(context.Background())
	require.Error(t, err)
	snap := p.Snapshot()
	assert.Nil(t, snap.Signal)
	assert.Equal(t, NoSignalAvailable, snap.SignalError)

	g.mu.Lock()
	g.err = nil
	g.sig = &signal.Signal{Payload: json.RawMessage(`{}`)}
	g.mu.Unlock()

	_, err = p.Refresh(context.Background())
	require.NoError(t, err)
	snap = p.Snapshot()
	assert.NotNil(t, snap.Signal)
	assert.Empty(t, snap.SignalError)
}

func TestRefresh_DropsResultAfterSelectionChange(t *testing.T) {
	q := &stubQuotes{}
	q.set("Volatility 75 Index", "R_75", 1)
	g := &stubGenerator{sig: &signal.Signal{Payload: json.RawMessage(`{}`)}}
	g.hook = func() { q.set("Crash 1000", "R_100", 2) }
	p := newPoller(q, g, nil)

	sig, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Nil(t, p.LastSignal())
	assert.Equal(t, 0, p.History().Len())
}

func TestSnapshot_HidesSignalOfOtherInstrument(t *testing.T) {
	q := &stubQuotes{}
	q.set("Volatility 75 Index", "R_75", 1)
	p := newPoller(q, &stubGenerator{sig: &signal.Signal{Payload: json.RawMessage(`{}`)}}, nil)
	_, err := p.Refresh(context.Background())
	require.NoError(t, err)

	q.set("Step Index", "R_100", 5)
	snap := p.Snapshot()
	assert.Nil(t, snap.Signal)
	assert.Equal(t, 1, len(snap.History))
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := newPoller(&stubQuotes{}, &stubGenerator{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
