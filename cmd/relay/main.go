// relay ретранслятор сигнализации между агентами звонков.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callcore/internal/config"
	"github.com/arzzra/callcore/pkg/signaling"
)

func main() {
	boot, err := zap.NewProduction()
	if err != nil {
		boot = zap.NewExample()
	}
	cfg, logger, ok := setup(boot)
	_ = boot.Sync()
	if !ok {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

// setup загружает конфигурацию и строит логгер; ошибки запуска пишутся в boot
func setup(boot *zap.Logger) (*config.RelayConfig, *zap.Logger, bool) {
	cfg, err := config.Load[config.RelayConfig]()
	if err != nil {
		boot.Error("failed to load config", zap.Error(err))
		return nil, nil, false
	}
	zcfg := zap.NewProductionConfig()
	if zcfg.Level, err = zap.ParseAtomicLevel(cfg.LogLevel); err != nil {
		boot.Error("invalid log level", zap.String("level", cfg.LogLevel), zap.Error(err))
		return nil, nil, false
	}
	logger, err := zcfg.Build()
	if err != nil {
		boot.Error("failed to create logger", zap.Error(err))
		return nil, nil, false
	}
	return cfg, logger, true
}

func run(ctx context.Context, cfg *config.RelayConfig, logger *zap.Logger) error {
	relay := signaling.NewRelay(signaling.RelayConfig{
		HoldTTL:     cfg.HoldTTL,
		AllowOrigin: originChecker(cfg.AllowedOrigins),
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// originChecker nil для пустого списка: ретранслятор принимает любой Origin
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
