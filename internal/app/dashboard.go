// internal/app/dashboard.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gobeng5/forex-chart-dashboard/internal/config"
	"github.com/gobeng5/forex-chart-dashboard/internal/dashboard"
	"github.com/gobeng5/forex-chart-dashboard/internal/events"
	httpapi "github.com/gobeng5/forex-chart-dashboard/internal/http"
	"github.com/gobeng5/forex-chart-dashboard/internal/metrics"
	"github.com/gobeng5/forex-chart-dashboard/internal/signal"
	"github.com/gobeng5/forex-chart-dashboard/internal/ticks"
	"github.com/gobeng5/forex-chart-dashboard/pkg/deriv"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
	"github.com/gobeng5/forex-chart-dashboard/pkg/telemetry"
)

// Run собирает компоненты и блокирует до отмены ctx.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	// Трассировка
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.Background()) }, log)

	// 1) Deriv WS + менеджер подписки
	derivClient, err := deriv.NewClient(cfg.Deriv.Config, nil, log)
	if err != nil {
		return fmt.Errorf("deriv client init: %w", err)
	}
	manager := ticks.NewManager(ticks.FromDeriv(derivClient), cfg.Deriv.Manager(), log)
	defer shutdownSafe(ctx, "tick-manager", func() error {
		manager.Stop()
		manager.Wait()
		return nil
	}, log)

	// 2) Публикация сигналов (Kafka или no-op)
	publisher, err := events.New(ctx, cfg.Kafka, cfg.ServiceName, log)
	if err != nil {
		return fmt.Errorf("events publisher init: %w", err)
	}
	defer shutdownSafe(ctx, "events-publisher", publisher.Close, log)

	// 3) Сервис сигналов + опрос
	signalClient, err := signal.NewClient(cfg.Signal, nil, log)
	if err != nil {
		return fmt.Errorf("signal client init: %w", err)
	}
	poller := dashboard.NewPoller(manager, signalClient, publisher, cfg.Signal, log)

	// 4) HTTP
	api := httpapi.NewAPI(manager, poller, cfg.HTTP, log)
	readiness := func() error {
		if manager.Status().State == ticks.StateStopped {
			return errors.New("tick manager stopped")
		}
		return publisher.Ping(ctx)
	}
	httpSrv, err := httpapi.NewServer(cfg.HTTP, api, readiness, nil, log)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	manager.Start(cfg.Deriv.DefaultInstrument)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return api.Close()
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("dashboard stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
