package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gobeng5/forex-chart-dashboard/internal/app"
	"github.com/gobeng5/forex-chart-dashboard/internal/config"
	"github.com/gobeng5/forex-chart-dashboard/internal/instrument"
	"github.com/gobeng5/forex-chart-dashboard/pkg/logger"
)

type options struct {
	configPath string
	envFile    string
	logLevel   string
	instrument string
	printCfg   bool
}

func (o *options) bind(flags *pflag.FlagSet) {
	flags.StringVar(&o.configPath, "config", "config/config.yaml", "path to config file (empty: ENV and defaults only)")
	flags.StringVar(&o.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVar(&o.logLevel, "log-level", "", "override logging.level")
	flags.StringVar(&o.instrument, "instrument", "", "override deriv.default_instrument")
	flags.BoolVar(&o.printCfg, "print-config", false, "print the effective config on start")
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "dashboard",
		Short:         "Deriv tick dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	opts.bind(root.Flags())

	// Контекст с отменой по сигналам
	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	// 1. .env (необязательный)
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	// 2. Конфиг
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.instrument != "" {
		if !instrument.IsKnown(opts.instrument) {
			return fmt.Errorf("unknown instrument %q", opts.instrument)
		}
		cfg.Deriv.DefaultInstrument = opts.instrument
	}
	if opts.printCfg {
		cfg.Print()
	}

	// 3. Логгер
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	defer log.Sync()

	log.Info("starting service",
		zap.String("service.name", cfg.ServiceName),
		zap.String("service.version", cfg.ServiceVersion),
		zap.String("instrument", cfg.Deriv.DefaultInstrument),
	)

	// 4. Запуск приложения
	if err := app.Run(ctx, cfg, log); err != nil {
		log.Error("application exited with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
