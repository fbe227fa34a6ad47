// Package config загружает настройки бинарников из окружения.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/arzzra/callcore/pkg/call"
)

// Load читает переменные окружения в структуру T. Перед этим подгружается
// файл из ENV_FILE или .env, если он есть.
func Load[T any]() (*T, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	return cfg, nil
}

func loadEnvFile() error {
	if path := os.Getenv("ENV_FILE"); path != "" {
		return errors.Wrapf(godotenv.Load(path), "failed to load %s", path)
	}
	// .env необязателен
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to load .env")
	}
	return nil
}

// AgentConfig настройки агента одного пользователя
type AgentConfig struct {
	UserID      string   `env:"CALL_USER_ID,required"`
	DisplayName string   `env:"CALL_DISPLAY_NAME"`
	RelayURL    string   `env:"CALL_RELAY_URL" envDefault:"ws://127.0.0.1:8090/ws"`
	HTTPAddr    string   `env:"CALL_HTTP_ADDR" envDefault:"127.0.0.1:9100"`
	LogLevel    string   `env:"CALL_LOG_LEVEL" envDefault:"info"`
	ICEServers  []string `env:"CALL_ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`

	// RedisAddr пустой адрес оставляет флаги в памяти процесса
	RedisAddr     string        `env:"CALL_REDIS_ADDR"`
	RedisPassword string        `env:"CALL_REDIS_PASSWORD"`
	RedisDB       int           `env:"CALL_REDIS_DB" envDefault:"0"`
	FlagsTTL      time.Duration `env:"CALL_FLAGS_TTL" envDefault:"10m"`

	Timeouts TimeoutConfig `envPrefix:"CALL_"`
}

// TimeoutConfig пороги менеджера звонков
type TimeoutConfig struct {
	Connection            time.Duration `env:"CONNECTION_TIMEOUT" envDefault:"45s"`
	ReceiverNoAnswerGrace time.Duration `env:"RECEIVER_NO_ANSWER_GRACE" envDefault:"5s"`
	SignalWait            time.Duration `env:"SIGNAL_WAIT_TIMEOUT" envDefault:"15s"`
	ICEDisconnectGrace    time.Duration `env:"ICE_DISCONNECT_GRACE" envDefault:"10s"`
	DisconnectedDebounce  time.Duration `env:"DISCONNECTED_DEBOUNCE" envDefault:"1500ms"`
	BusyDisplay           time.Duration `env:"BUSY_DISPLAY" envDefault:"2s"`
	CancelDedupWindow     time.Duration `env:"CANCEL_DEDUP_WINDOW" envDefault:"2s"`
	ICERestartBudget      int           `env:"ICE_RESTART_BUDGET" envDefault:"2"`
	AcquireWait           time.Duration `env:"ACQUIRE_WAIT" envDefault:"3s"`
}

// CallConfig переводит настройки окружения в call.Config
func (c *AgentConfig) CallConfig() call.Config {
	cfg := call.DefaultConfig()
	t := c.Timeouts
	cfg.ConnectionTimeout = t.Connection
	cfg.ReceiverNoAnswerGrace = t.ReceiverNoAnswerGrace
	cfg.SignalWaitTimeout = t.SignalWait
	cfg.ICEDisconnectGrace = t.ICEDisconnectGrace
	cfg.DisconnectedDebounce = t.DisconnectedDebounce
	cfg.BusyDisplayDelay = t.BusyDisplay
	cfg.CancelDedupWindow = t.CancelDedupWindow
	cfg.ICERestartBudget = t.ICERestartBudget
	cfg.AcquireWait = t.AcquireWait
	return cfg
}

// RelayConfig настройки ретранслятора сигнализации
type RelayConfig struct {
	Addr     string        `env:"RELAY_ADDR" envDefault:":8090"`
	HoldTTL  time.Duration `env:"RELAY_HOLD_TTL" envDefault:"30s"`
	LogLevel string        `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	// AllowedOrigins пустой список разрешает любой Origin
	AllowedOrigins []string `env:"RELAY_ALLOWED_ORIGINS" envSeparator:","`
}
