// internal/http/api.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/dashboard"
	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/internal/metrics"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/internal/ticks"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

const (
	wsWriteWait  = 5 * time.Second
	wsReadLimit  = 4 << 10
	quoteBacklog = 8
)

// Feed: управление подпиской на котировки.
type Feed interface {
	OnSelectionChange(instrument string)
	Subscribe(buffer int) (<-chan ticks.Quote, func())
}

// StateView: представление дашборда и ручной запрос сигнала.
type StateView interface {
	Snapshot() dashboard.Snapshot
	Refresh(ctx context.Context) (*signal.Signal, error)
}

// API обслуживает /api/*.
type API struct {
	feed         Feed
	view         StateView
	pushInterval time.Duration
	upgrader     websocket.Upgrader
	log          *logger.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type selectionRequest struct {
	Instrument string `json:"instrument"`
}

type instrumentsResponse struct {
	Instruments []string `json:"instruments"`
	Default     string   `json:"default"`
}

func NewAPI(feed Feed, view StateView, cfg Config, log *logger.Logger) *API {
	cfg.ApplyDefaults()
	a := &API{
		feed:         feed,
		view:         view,
		pushInterval: cfg.PushInterval,
		log:          log.Named("api"),
		done:         make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}
	return a
}

func (a *API) Routes(r chi.Router) {
	r.Get("/instruments", a.Instruments)
	r.Get("/state", a.State)
	r.Post("/selection", a.Select)
	r.Post("/signal/refresh", a.RefreshSignal)
	r.Get("/ws", a.Push)
}

// Close terminates open push connections; hijacked connections are not
// covered by http.Server.Shutdown.
func (a *API) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.done)
	}
	a.mu.Unlock()
	a.wg.Wait()
	return nil
}

func (a *API) Instruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, instrumentsResponse{
		Instruments: instrument.Instruments(),
		Default:     instrument.Default(),
	})
}

func (a *API) State(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.view.Snapshot())
}

func (a *API) Select(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, wsReadLimit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !instrument.IsKnown(req.Instrument) {
		writeError(w, http.StatusBadRequest, "unknown instrument")
		return
	}
	a.feed.OnSelectionChange(req.Instrument)
	a.log.WithContext(r.Context()).Info("selection changed", zap.String("instrument", req.Instrument))
	writeJSON(w, http.StatusAccepted, a.view.Snapshot())
}

func (a *API) RefreshSignal(w http.ResponseWriter, r *http.Request) {
	_, err := a.view.Refresh(r.Context())
	if errors.Is(err, dashboard.ErrNoQuote) {
		writeError(w, http.StatusConflict, "no live quote")
		return
	}
	// a failed request is reported through signal_error in the snapshot
	writeJSON(w, http.StatusOK, a.view.Snapshot())
}

// Push streams snapshots on every quote and every push interval. Clients
// may send {"instrument": "..."} to change the selection.
func (a *API) Push(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithContext(r.Context()).Warn("ws upgrade failed", zap.Error(err))
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()
	metrics.PushClients.Inc()
	defer metrics.PushClients.Dec()

	log := a.log.WithContext(r.Context())
	log.Debug("ws client connected", zap.String("remote", r.RemoteAddr))

	quotes, unsubscribe := a.feed.Subscribe(quoteBacklog)
	defer unsubscribe()

	closed := make(chan struct{})
	go a.readSelections(conn, closed)

	t := time.NewTicker(a.pushInterval)
	defer t.Stop()

	send := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(a.view.Snapshot())
	}
	defer func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		log.Debug("ws client disconnected")
	}()

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-a.done:
			return
		case <-closed:
			return
		case _, ok := <-quotes:
			if !ok {
				return
			}
		case <-t.C:
		}
		if err := send(); err != nil {
			log.Debug("ws write failed", zap.Error(err))
			return
		}
	}
}

func (a *API) readSelections(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(wsReadLimit)
	// server read timeout must not apply to the upgraded connection
	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req selectionRequest
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		if instrument.IsKnown(req.Instrument) {
			a.feed.OnSelectionChange(req.Instrument)
		}
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
