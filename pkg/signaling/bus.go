package signaling

import (
	"context"
	"sync"
)

const inboxSize = 256

// Bus внутрипроцессная сеть сигнализации. Используется в тестах и в демо
// режиме агента, когда оба участника живут в одном процессе.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewBus создает пустую сеть
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Endpoint возвращает (создавая при необходимости) точку подключения пользователя
func (b *Bus) Endpoint(userID string) *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep, ok := b.endpoints[userID]; ok {
		return ep
	}
	ep := &Endpoint{
		bus:       b,
		userID:    userID,
		handlers:  make(map[Kind]Handler),
		inbox:     make(chan Envelope, inboxSize),
		done:      make(chan struct{}),
		connected: true,
	}
	b.endpoints[userID] = ep
	go ep.dispatch()
	return ep
}

func (b *Bus) lookup(userID string) *Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpoints[userID]
}

// Close останавливает все точки подключения
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ep := range b.endpoints {
		ep.close()
		delete(b.endpoints, id)
	}
}

var _ Transport = (*Endpoint)(nil)

// Endpoint реализация Transport поверх Bus
type Endpoint struct {
	bus    *Bus
	userID string

	mu          sync.Mutex
	handlers    map[Kind]Handler
	onReconnect []func()
	connected   bool
	// held конверты, пришедшие пока точка была отключена
	held   []Envelope
	sent   []Envelope
	closed bool
	// drops сколько следующих входящих конвертов данного типа потерять
	drops map[Kind]int

	inbox chan Envelope
	done  chan struct{}
}

// UserID пользователь точки
func (e *Endpoint) UserID() string {
	return e.userID
}

func (e *Endpoint) Send(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	e.sent = append(e.sent, env)
	e.mu.Unlock()

	if target := e.bus.lookup(env.To); target != nil {
		target.Deliver(env)
	}
	return nil
}

func (e *Endpoint) On(kind Kind, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Endpoint) OnReconnect(cb func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReconnect = append(e.onReconnect, cb)
}

// Deliver помещает конверт во входящую очередь, как будто он пришел из сети
func (e *Endpoint) Deliver(env Envelope) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if n := e.drops[env.Kind]; n > 0 {
		e.drops[env.Kind] = n - 1
		e.mu.Unlock()
		return
	}
	if !e.connected {
		e.held = append(e.held, env)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	select {
	case e.inbox <- env:
	case <-e.done:
	}
}

// DropIncoming теряет n следующих входящих конвертов типа kind
func (e *Endpoint) DropIncoming(kind Kind, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.drops == nil {
		e.drops = make(map[Kind]int)
	}
	e.drops[kind] += n
}

// Disconnect эмулирует обрыв соединения с сервером
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
}

// Reconnect восстанавливает соединение, доставляет удержанные конверты и
// вызывает колбэки переподключения
func (e *Endpoint) Reconnect() {
	e.mu.Lock()
	e.connected = true
	held := e.held
	e.held = nil
	cbs := append([]func(){}, e.onReconnect...)
	e.mu.Unlock()

	for _, env := range held {
		e.Deliver(env)
	}
	for _, cb := range cbs {
		cb()
	}
}

// Sent все отправленные конверты
func (e *Endpoint) Sent() []Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Envelope(nil), e.sent...)
}

// SentOfKind отправленные конверты указанного типа
func (e *Endpoint) SentOfKind(kind Kind) []Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Envelope
	for _, env := range e.sent {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}

func (e *Endpoint) dispatch() {
	for {
		select {
		case env := <-e.inbox:
			e.mu.Lock()
			h := e.handlers[env.Kind]
			e.mu.Unlock()
			if h != nil {
				h(env)
			}
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}
