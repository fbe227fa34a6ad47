package signaling

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ClientConfig настройки websocket клиента
type ClientConfig struct {
	// URL адрес ретранслятора, например ws://host:8090/ws
	URL    string
	UserID string
	// MaxReconnectInterval верхняя граница паузы между попытками подключения
	MaxReconnectInterval time.Duration
	Dialer               *websocket.Dialer
	Logger               *zap.Logger
}

var _ Transport = (*Client)(nil)

// Client реализация Transport поверх websocket с автоматическим
// переподключением. Обработчики переживают переподключение.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    map[Kind]Handler
	onReconnect []func()
	connects    int

	writeMu sync.Mutex
}

// NewClient создает клиента; подключение выполняет Run
func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("signaling").With(zap.String("user", cfg.UserID)),
		handlers: make(map[Kind]Handler),
	}
}

// Run держит соединение до отмены контекста
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dialWithBackoff(ctx)
		if err != nil {
			return err
		}
		c.attach(conn)

		readErr := c.readLoop(ctx, conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("signaling connection lost", zap.Error(readErr))
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", errors.Wrap(err, "invalid signaling url")
	}
	q := u.Query()
	q.Set("user", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = c.cfg.MaxReconnectInterval
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		ws, _, err := c.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logger.Debug("signaling dial failed", zap.Error(err), zap.Duration("retry_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connects++
	reconnected := c.connects > 1
	cbs := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()

	c.logger.Info("signaling connected", zap.Bool("reconnect", reconnected))
	if reconnected {
		for _, cb := range cbs {
			cb()
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := Unmarshal(data)
		if err != nil {
			c.logger.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		c.mu.Lock()
		h := c.handlers[env.Kind]
		c.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) Send(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(ErrNotConnected, "write failed: %v", err)
	}
	return nil
}

func (c *Client) On(kind Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) OnReconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, cb)
}
