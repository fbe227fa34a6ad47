// callagent звонилка одного пользователя: websocket сигнализация, pion
// медиа, команды со стандартного ввода и http для метрик и push уведомлений.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callcore/internal/config"
	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/media/pion"
	"github.com/arzzra/callcore/pkg/signaling"
)

func main() {
	boot := bootstrapLogger()
	cfg, logger, ok := setup(boot)
	_ = boot.Sync()
	if !ok {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
}

// bootstrapLogger пишет ошибки запуска, пока настроенного логгера еще нет
func bootstrapLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// setup загружает конфигурацию и строит логгер; ошибки уходят в boot
func setup(boot *zap.Logger) (*config.AgentConfig, *zap.Logger, bool) {
	cfg, err := config.Load[config.AgentConfig]()
	if err != nil {
		boot.Error("failed to load config", zap.Error(err))
		return nil, nil, false
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		boot.Error("failed to create logger", zap.String("level", cfg.LogLevel), zap.Error(err))
		return nil, nil, false
	}
	return cfg, logger, true
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *zap.Logger) error {
	store, closeStore, err := openFlags(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := pion.NewEngine(pion.Config{ICEServers: cfg.ICEServers, Logger: logger})
	if err != nil {
		return err
	}

	client := signaling.NewClient(signaling.ClientConfig{
		URL:    cfg.RelayURL,
		UserID: cfg.UserID,
		Logger: logger,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mgr, err := call.New(cfg.UserID, client, engine,
		call.WithConfig(cfg.CallConfig()),
		call.WithLogger(logger),
		call.WithMetrics(reg),
		call.WithFlags(store),
		call.WithResumeOnStart(true),
		call.WithDisplayName(cfg.DisplayName),
		call.WithObserver(consoleObserver(logger)),
	)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newAPI(mgr, store, reg, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
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
	g.Go(func() error {
		return newConsole(mgr, os.Stdin, os.Stdout, logger).run(gctx)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openFlags(ctx context.Context, cfg *config.AgentConfig, logger *zap.Logger) (flags.Store, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured, pending intents will not survive restart")
		return flags.NewMemory(), func() {}, nil
	}
	store, err := flags.NewRedis(ctx, flags.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UserID:   cfg.UserID,
		TTL:      cfg.FlagsTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func consoleObserver(logger *zap.Logger) call.Observer {
	log := logger.Named("ui")
	return call.Observer{
		OnIncoming: func(info call.SessionInfo) {
			log.Info("incoming call, type 'answer' or 'hangup'",
				zap.String("from", info.PeerUserID), zap.String("media", info.Media.String()))
		},
		OnEnded: func(info call.SessionInfo, outcome call.Outcome, err error) {
			log.Info("call ended", zap.String("call_id", info.CallID),
				zap.Stringer("outcome", outcome), zap.Error(err))
		},
		OnBusy: func(info call.SessionInfo) {
			log.Info("peer is busy", zap.String("peer", info.PeerUserID))
		},
		OnMediaDisconnected: func(info call.SessionInfo, disconnected bool) {
			log.Info("media connectivity", zap.String("call_id", info.CallID), zap.Bool("lost", disconnected))
		},
	}
}
