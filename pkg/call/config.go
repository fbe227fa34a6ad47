package call

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/timer"
)

// Config пороги и лимиты менеджера звонков
type Config struct {
	// ConnectionTimeout звонок, не дошедший до Connected за это время, завершается
	ConnectionTimeout time.Duration
	// ReceiverNoAnswerGrace запас сверх ConnectionTimeout для таймера
	// неотвеченного входящего звонка на стороне вызываемого
	ReceiverNoAnswerGrace time.Duration
	// SignalWaitTimeout сколько ждать offer после пробуждения по push
	SignalWaitTimeout time.Duration
	// ICEDisconnectGrace сколько терпеть состояние disconnected
	ICEDisconnectGrace time.Duration
	// DisconnectedDebounce задержка показа "нет соединения" в UI
	DisconnectedDebounce time.Duration
	// BusyDisplayDelay сколько показывать "абонент занят" перед сбросом
	BusyDisplayDelay time.Duration
	// CancelDedupWindow окно подавления повторных Cancel
	CancelDedupWindow time.Duration
	// ICERestartBudget сколько раз пробовать перезапуск ICE
	ICERestartBudget int
	// AcquireWait сколько ждать освобождения устройства другим захватом
	AcquireWait time.Duration
	// DeviceBusyRetryDelay пауза перед единственным повтором при DeviceBusy
	DeviceBusyRetryDelay time.Duration
	// HistorySize сколько переходов хранить для диагностики
	HistorySize int
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout:     45 * time.Second,
		ReceiverNoAnswerGrace: 5 * time.Second,
		SignalWaitTimeout:     15 * time.Second,
		ICEDisconnectGrace:    10 * time.Second,
		DisconnectedDebounce:  1500 * time.Millisecond,
		BusyDisplayDelay:      2 * time.Second,
		CancelDedupWindow:     2 * time.Second,
		ICERestartBudget:      2,
		AcquireWait:           3 * time.Second,
		DeviceBusyRetryDelay:  500 * time.Millisecond,
		HistorySize:           20,
	}
}

// ReceiverNoAnswerTimeout таймаут неотвеченного входящего звонка
func (c Config) ReceiverNoAnswerTimeout() time.Duration {
	return c.ConnectionTimeout + c.ReceiverNoAnswerGrace
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.ReceiverNoAnswerGrace <= 0 {
		c.ReceiverNoAnswerGrace = d.ReceiverNoAnswerGrace
	}
	if c.SignalWaitTimeout <= 0 {
		c.SignalWaitTimeout = d.SignalWaitTimeout
	}
	if c.ICEDisconnectGrace <= 0 {
		c.ICEDisconnectGrace = d.ICEDisconnectGrace
	}
	if c.DisconnectedDebounce <= 0 {
		c.DisconnectedDebounce = d.DisconnectedDebounce
	}
	if c.BusyDisplayDelay <= 0 {
		c.BusyDisplayDelay = d.BusyDisplayDelay
	}
	if c.CancelDedupWindow <= 0 {
		c.CancelDedupWindow = d.CancelDedupWindow
	}
	if c.ICERestartBudget < 0 {
		c.ICERestartBudget = 0
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = d.AcquireWait
	}
	if c.DeviceBusyRetryDelay <= 0 {
		c.DeviceBusyRetryDelay = d.DeviceBusyRetryDelay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Option функциональная опция менеджера
type Option func(*Manager)

// WithConfig задает пороги
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithLogger задает логгер
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock задает часы; таймеры и отметки времени берутся из них
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithTimers задает планировщик таймеров
func WithTimers(t *timer.Service) Option {
	return func(m *Manager) {
		m.timers = t
	}
}

// WithObserver задает получателя уведомлений UI
func WithObserver(obs Observer) Option {
	return func(m *Manager) {
		m.observer = obs
	}
}

// WithMetrics регистрирует метрики в reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metrics = NewMetrics(reg)
	}
}

// WithFlags задает хранилище отложенных намерений
func WithFlags(store flags.Store) Option {
	return func(m *Manager) {
		m.flags = store
	}
}

// WithResumeOnStart сверять отложенные намерения при Start до подписки на сигнализацию
func WithResumeOnStart(enabled bool) Option {
	return func(m *Manager) {
		m.resumeOnStart = enabled
	}
}
