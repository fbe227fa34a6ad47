package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	peerSendBuffer = 256
	// heldPerUser сколько конвертов держим для пользователя, который еще не подключился
	heldPerUser = 64
)

// RelayConfig настройки ретранслятора
type RelayConfig struct {
	// HoldTTL сколько держать конверты для отключенного пользователя
	HoldTTL time.Duration
	// AllowOrigin проверка Origin при апгрейде; nil разрешает все
	AllowOrigin func(r *http.Request) bool
	Logger      *zap.Logger
}

type heldEnvelope struct {
	data []byte
	at   time.Time
}

type relayPeer struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (p *relayPeer) close() {
	p.once.Do(func() { close(p.send) })
}

// Relay ретранслятор конвертов между пользователями. Адресация по полю To.
// Для пользователей без подключения конверты удерживаются до HoldTTL, чтобы
// разбуженный push уведомлением абонент получил offer после подключения.
type Relay struct {
	cfg      RelayConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*relayPeer
	held  map[string][]heldEnvelope
}

// NewRelay создает ретранслятор
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	check := cfg.AllowOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Relay{
		cfg:    cfg,
		logger: logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		peers: make(map[string]*relayPeer),
		held:  make(map[string][]heldEnvelope),
	}
}

// Routes http маршруты ретранслятора
func (r *Relay) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/ws", r.ServeWS)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return router
}

// Online количество подключенных пользователей
func (r *Relay) Online() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// ServeWS апгрейдит соединение пользователя ?user=<id>
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	p := &relayPeer{userID: userID, conn: conn, send: make(chan []byte, peerSendBuffer)}
	r.register(p)
	go r.writePump(p)
	r.readPump(p)
}

func (r *Relay) register(p *relayPeer) {
	r.mu.Lock()
	if old, ok := r.peers[p.userID]; ok {
		old.close()
	}
	r.peers[p.userID] = p
	held := r.held[p.userID]
	delete(r.held, p.userID)

	now := time.Now()
	for _, h := range held {
		if now.Sub(h.at) > r.cfg.HoldTTL {
			continue
		}
		select {
		case p.send <- h.data:
		default:
		}
	}
	r.mu.Unlock()

	r.logger.Info("peer registered", zap.String("user", p.userID), zap.Int("held", len(held)))
}

func (r *Relay) unregister(p *relayPeer) {
	r.mu.Lock()
	if cur, ok := r.peers[p.userID]; ok && cur == p {
		delete(r.peers, p.userID)
	}
	r.mu.Unlock()
	p.close()
	r.logger.Info("peer unregistered", zap.String("user", p.userID))
}

func (r *Relay) readPump(p *relayPeer) {
	defer func() {
		r.unregister(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("unexpected close", zap.String("user", p.userID), zap.Error(err))
			}
			return
		}
		env, err := Unmarshal(data)
		if err != nil {
			r.logger.Debug("dropping malformed envelope", zap.String("user", p.userID), zap.Error(err))
			continue
		}
		if env.From != p.userID {
			r.logger.Warn("dropping spoofed envelope",
				zap.String("user", p.userID), zap.String("from", env.From))
			continue
		}
		r.route(env, data)
	}
}

func (r *Relay) route(env Envelope, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.peers[env.To]
	if !ok {
		queue := append(r.held[env.To], heldEnvelope{data: data, at: time.Now()})
		if len(queue) > heldPerUser {
			queue = queue[len(queue)-heldPerUser:]
		}
		r.held[env.To] = queue
		r.logger.Debug("holding envelope for offline peer",
			zap.String("to", env.To), zap.String("kind", env.Kind.String()))
		return
	}

	select {
	case target.send <- data:
	default:
		r.logger.Warn("peer send buffer full, dropping envelope", zap.String("to", env.To))
	}
}

func (r *Relay) writePump(p *relayPeer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
