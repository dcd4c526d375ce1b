package ticks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeng5/forex-chart-dashboard/pkg/backoff"
	"github.com/gobeng5/forex-chart-dashboard/pkg/deriv"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type frame struct {
	ev  deriv.Event
	err error
}

type fakeStream struct {
	feed      string
	frames    chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(feed string) *fakeStream {
	return &fakeStream{feed: feed, frames: make(chan frame, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (deriv.Event, error) {
	select {
	case <-s.closed:
		return deriv.Event{}, errors.New("use of closed network connection")
	default:
	}
	select {
	case f := <-s.frames:
		return f.ev, f.err
	case <-s.closed:
		return deriv.Event{}, errors.New("use of closed network connection")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) quote(v float64) {
	s.frames <- frame{ev: deriv.Event{MsgType: "tick", HasQuote: true, Quote: v, Symbol: s.feed}}
}

type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	// gates hold Open for a feed symbol until closed; ctx is ignored.
	gates map[string]chan struct{}
	errs  []error
	calls int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{gates: make(map[string]chan struct{})}
}

func (o *fakeOpener) Open(_ context.Context, feed string) (Stream, error) {
	o.mu.Lock()
	gate := o.gates[feed]
	o.calls++
	var err error
	if len(o.errs) > 0 {
		err, o.errs = o.errs[0], o.errs[1:]
	}
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	s := newFakeStream(feed)
	o.mu.Lock()
	o.streams = append(o.streams, s)
	o.mu.Unlock()
	return s, nil
}

func (o *fakeOpener) all() []*fakeStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeStream(nil), o.streams...)
}

func (o *fakeOpener) openStreams() []*fakeStream {
	var out []*fakeStream
	for _, s := range o.all() {
		if !s.isClosed() {
			out = append(out, s)
		}
	}
	return out
}

func (o *fakeOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newTestManager(t *testing.T, o Opener, cfg Config) *Manager {
	t.Helper()
	m := NewManager(o, cfg, logger.NewNop())
	t.Cleanup(func() {
		m.Stop()
		m.Wait()
	})
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().State == want }, waitFor, tick,
		"state never became %s", want)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateConnecting, "connecting"},
		{StateLive, "live"},
		{StateUnavailable, "unavailable"},
		{StateStopped, "stopped"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}

func TestStart_BindsAndReceivesQuote(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	assert.Equal(t, StateIdle, m.Status().State)
	m.Start("Volatility 75 Index")

	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	_, ok := m.CurrentQuote()
	assert.False(t, ok, "no value expected before the first tick")

	s := o.openStreams()[0]
	assert.Equal(t, "R_75", s.feed)
	s.quote(1234.56)

	waitState(t, m, StateLive)
	q, ok := m.CurrentQuote()
	require.True(t, ok)
	assert.Equal(t, 1234.56, q.Value)
	assert.Equal(t, "Volatility 75 Index", q.Instrument)
	assert.Equal(t, "R_75", q.FeedSymbol)
}

func TestOnSelectionChange_RebindsToSingleConnection(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	a := o.openStreams()[0]
	a.quote(100)
	waitState(t, m, StateLive)

	m.OnSelectionChange("Boom 1000")

	assert.True(t, a.isClosed(), "old connection must be closed synchronously")
	_, ok := m.CurrentQuote()
	assert.False(t, ok, "quote must reset on rebind")

	require.Eventually(t, func() bool {
		open := o.openStreams()
		return len(open) == 1 && open[0].feed == "R_100"
	}, waitFor, tick)
	st := m.Status()
	assert.Equal(t, "Boom 1000", st.Instrument)
	assert.Equal(t, "R_100", st.FeedSymbol)

	// a late frame on the old connection must not reach the quote
	a.frames <- frame{ev: deriv.Event{HasQuote: true, Quote: 999}}
	time.Sleep(20 * time.Millisecond)
	_, ok = m.CurrentQuote()
	assert.False(t, ok)

	b := o.openStreams()[0]
	b.quote(42)
	require.Eventually(t, func() bool {
		q, ok := m.CurrentQuote()
		return ok && q.Value == 42
	}, waitFor, tick)
}

func TestOnSelectionChange_SameInstrumentIsNoop(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	o.openStreams()[0].quote(5)
	waitState(t, m, StateLive)
	gen := m.Status().Generation

	m.OnSelectionChange("Volatility 75 Index")
	m.OnSelectionChange("Volatility 75 Index")

	assert.Equal(t, gen, m.Status().Generation)
	assert.Equal(t, 1, o.callCount())
	assert.Len(t, o.openStreams(), 1)
	q, ok := m.CurrentQuote()
	require.True(t, ok)
	assert.Equal(t, 5.0, q.Value)
}

func TestOnSelectionChange_BeforeStartBinds(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.OnSelectionChange("Volatility 10 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	assert.Equal(t, "R_10", o.openStreams()[0].feed)
}

func TestRebindDuringDial_DiscardsLateConnection(t *testing.T) {
	o := newFakeOpener()
	gate := make(chan struct{})
	o.gates["R_75"] = gate
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return o.callCount() == 1 }, waitFor, tick)

	m.OnSelectionChange("Volatility 25 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)

	// the superseded dial completes late
	close(gate)
	require.Eventually(t, func() bool { return len(o.all()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		open := o.openStreams()
		return len(open) == 1 && open[0].feed == "R_25"
	}, waitFor, tick)
	assert.Equal(t, "R_25", m.Status().FeedSymbol)
}

func TestStaleEventIsDropped(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	staleGen := m.Status().Generation
	m.OnSelectionChange("Volatility 50 Index")

	applied := m.apply(staleGen, deriv.Event{HasQuote: true, Quote: 1})
	assert.False(t, applied)
	_, ok := m.CurrentQuote()
	assert.False(t, ok)

	applied = m.apply(m.Status().Generation, deriv.Event{HasQuote: true, Quote: 2})
	assert.True(t, applied)
	q, ok := m.CurrentQuote()
	require.True(t, ok)
	assert.Equal(t, 2.0, q.Value)
	assert.Equal(t, "R_50", q.FeedSymbol)
}

func TestDialFailure_MarksUnavailable(t *testing.T) {
	o := newFakeOpener()
	o.errs = []error{errors.New("connection refused")}
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 100 Index")
	waitState(t, m, StateUnavailable)
	assert.Contains(t, m.Status().LastError, "connection refused")
	_, ok := m.CurrentQuote()
	assert.False(t, ok)
	assert.Equal(t, 1, o.callCount(), "no reconnect by default")
}

func TestNonFatalErrors_KeepConnection(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	s := o.openStreams()[0]

	s.frames <- frame{err: &deriv.APIError{Code: "InvalidSymbol", Message: "Symbol R_75 is invalid"}}
	waitState(t, m, StateUnavailable)
	assert.Contains(t, m.Status().LastError, "InvalidSymbol")

	s.frames <- frame{err: deriv.ErrMalformedFrame}
	s.frames <- frame{ev: deriv.Event{MsgType: "tick"}}
	s.quote(7.5)
	waitState(t, m, StateLive)
	assert.Empty(t, m.Status().LastError)
	assert.False(t, s.isClosed())
}

func TestReadFailure_DropsQuote(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	s := o.openStreams()[0]
	s.quote(10)
	waitState(t, m, StateLive)

	s.frames <- frame{err: errors.New("websocket: close 1006 (abnormal closure)")}
	waitState(t, m, StateUnavailable)
	_, ok := m.CurrentQuote()
	assert.False(t, ok)
	require.Eventually(t, func() bool { return len(o.openStreams()) == 0 }, waitFor, tick)
}

func TestReconnect_Enabled(t *testing.T) {
	o := newFakeOpener()
	cfg := Config{Reconnect: ReconnectConfig{
		Enabled: true,
		Backoff: backoff.Config{
			InitialInterval: time.Millisecond,
			Multiplier:      1.5,
			MaxInterval:     5 * time.Millisecond,
			MaxElapsedTime:  time.Second,
		},
	}}
	m := newTestManager(t, o, cfg)

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	first := o.openStreams()[0]

	o.mu.Lock()
	o.errs = []error{errors.New("refused")}
	o.mu.Unlock()
	first.frames <- frame{err: errors.New("EOF")}

	require.Eventually(t, func() bool {
		open := o.openStreams()
		return len(open) == 1 && open[0] != first
	}, waitFor, tick)
	o.openStreams()[0].quote(3)
	waitState(t, m, StateLive)
	assert.GreaterOrEqual(t, o.callCount(), 3)
}

func TestSubscribeTimeout(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{SubscribeTimeout: 20 * time.Millisecond})

	m.Start("Volatility 75 Index")
	waitState(t, m, StateUnavailable)
	assert.ErrorContains(t, errors.New(m.Status().LastError), ErrSubscribeTimeout.Error())

	s := o.openStreams()[0]
	s.quote(1)
	waitState(t, m, StateLive)
}

func TestStop_ClosesAndIsIdempotent(t *testing.T) {
	o := newFakeOpener()
	m := NewManager(o, Config{}, logger.NewNop())

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	ch, _ := m.Subscribe(1)

	m.Stop()
	m.Stop()
	m.Wait()

	assert.Empty(t, o.openStreams())
	assert.Equal(t, StateStopped, m.Status().State)
	_, ok := m.CurrentQuote()
	assert.False(t, ok)
	_, open := <-ch
	assert.False(t, open, "listener channel must be closed on Stop")

	m.OnSelectionChange("Boom 1000")
	assert.Equal(t, StateStopped, m.Status().State)
}

func TestSubscribe_FanOut(t *testing.T) {
	o := newFakeOpener()
	m := newTestManager(t, o, Config{})

	ch1, cancel1 := m.Subscribe(4)
	ch2, cancel2 := m.Subscribe(4)
	defer cancel2()

	m.Start("Volatility 75 Index")
	require.Eventually(t, func() bool { return len(o.openStreams()) == 1 }, waitFor, tick)
	o.openStreams()[0].quote(11)

	for _, ch := range []<-chan Quote{ch1, ch2} {
		select {
		case q := <-ch:
			assert.Equal(t, 11.0, q.Value)
		case <-time.After(waitFor):
			t.Fatal("listener got no quote")
		}
	}

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)
}

// End-to-end over a real websocket endpoint.
func TestManager_DerivEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var subscribed []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		var req deriv.SubscribeRequest
		if err := c.ReadJSON(&req); err != nil {
			return
		}
		mu.Lock()
		subscribed = append(subscribed, req.Ticks)
		mu.Unlock()

		if req.Ticks == "R_75" {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"msg_type":"tick","tick":{"quote":1234.56,"symbol":"R_75"}}`))
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := deriv.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), AppID: 1089}
	cfg.ApplyDefaults()
	client, err := deriv.NewClient(cfg, nil, logger.NewNop())
	require.NoError(t, err)

	m := newTestManager(t, FromDeriv(client), Config{})
	m.Start("Volatility 75 Index")

	require.Eventually(t, func() bool {
		q, ok := m.CurrentQuote()
		return ok && q.Value == 1234.56
	}, waitFor, tick)

	m.OnSelectionChange("Boom 1000")
	_, ok := m.CurrentQuote()
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subscribed) == 2 && subscribed[1] == "R_100"
	}, waitFor, tick)
	assert.Equal(t, "R_100", m.Status().FeedSymbol)
}
