// internal/http/server.go
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

// ReadyChecker возвращает nil, если сервис готов принимать трафик.
type ReadyChecker func() error

// HTTPServer: компонент с блокирующим жизненным циклом.
type HTTPServer interface {
	Start(ctx context.Context) error
}

// Server обслуживает API дашборда и служебные /metrics, /healthz, /readyz.
type Server struct {
	cfg    Config
	srv    *http.Server
	router chi.Router
	log    *logger.Logger
}

// NewServer собирает роутер. gatherer == nil → prometheus.DefaultGatherer.
func NewServer(cfg Config, api *API, ready ReadyChecker, gatherer prometheus.Gatherer, log *logger.Logger) (*Server, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	log = log.Named("http")

	r := chi.NewRouter()
	r.Use(
		RecoverMiddleware(log),
		RequestIDMiddleware,
		RequestLoggerMiddleware(log),
		CORSMiddleware(cfg.AllowedOrigins),
	)
	r.Method(http.MethodGet, cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get(cfg.HealthzPath, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, probeBody{Status: "ok"})
	})
	r.Get(cfg.ReadyzPath, func(w http.ResponseWriter, _ *http.Request) {
		if err := ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, probeBody{Status: "not_ready", Reason: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, probeBody{Status: "ready"})
	})
	if api != nil {
		r.Route("/api", api.Routes)
	}

	return &Server{
		cfg:    cfg,
		router: r,
		log:    log,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}, nil
}

type probeBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Handler: роутер со всеми middleware (для httptest).
func (s *Server) Handler() http.Handler { return s.router }

// Start слушает порт до отмены ctx, затем делает graceful shutdown
// с таймаутом cfg.ShutdownTimeout. Ошибка bind возвращается сразу.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", s.srv.Addr, err)
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.srv.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	s.log.Info("stopped")
	return nil
}
