// Package call ядро звонка: машина состояний одной peer-to-peer сессии.
//
// Все изменения сессии выполняет одна горутина цикла событий. Входящие
// конверты сигнализации, срабатывания таймеров, намерения пользователя и
// уведомления медиа-движка приводятся к событиям одной очереди.
//
// Диаграмма переходов:
//
//	[idle] → [dialing] → [connecting] → [connected] → [ending] → [idle]
//	[idle] → [ringing] → [answering] → [connecting] → [connected] → [ending] → [idle]
//	любое активное → [failed] → [idle]
package call

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/timer"
)

// События машины состояний
const (
	eventDial      = "dial"
	eventRing      = "ring"
	eventAnswer    = "answer"
	eventNegotiate = "negotiate"
	eventConnect   = "connect"
	eventEnd       = "end"
	eventFail      = "fail"
	eventReset     = "reset"
)

const (
	eventQueueSize = 256
	sendTimeout    = 5 * time.Second
	flagsTimeout   = 3 * time.Second
)

type snapshot struct {
	info    SessionInfo
	active  bool
	ops     PendingOps
	history []Transition
}

// Manager менеджер сессии звонка. Владеет не более чем одной сессией.
type Manager struct {
	self        string
	displayName string
	transport   signaling.Transport
	engine      media.Engine

	cfg           Config
	logger        *zap.Logger
	clock         clock.Clock
	timers        *timer.Service
	ownTimers     bool
	observer      Observer
	metrics       *Metrics
	flags         flags.Store
	resumeOnStart bool

	acq *acquirer

	events    chan any
	quit      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	// состояние ниже принадлежит циклу событий
	fsm        *fsm.FSM
	sess       *Session
	conn       media.Connection
	stream     media.Stream
	mediaState media.ConnectionState
	ops        PendingOps
	gen        uint64
	acqCancel  context.CancelFunc
	handles    map[string]scheduled
	timerSeq   uint64
	// cancelSeen обработанные Cancel: ключ callID или peer:<id> для старого формата
	cancelSeen map[string]time.Time
	// endedCalls завершенные звонки, чтобы повторная доставка offer не звонила снова
	endedCalls map[string]time.Time
	// resendRequested звонки без offer, для которых уже отправлен ResendRequest
	resendRequested      map[string]time.Time
	pendingRequestSignal *signaling.Envelope
	uiDisconnected       bool
	history              []Transition

	snap atomic.Pointer[snapshot]
}

// New создает менеджер для пользователя self. Цикл событий запускает Start.
func New(self string, transport signaling.Transport, engine media.Engine, opts ...Option) (*Manager, error) {
	if self == "" {
		return nil, errors.New("call manager requires a user id")
	}
	if transport == nil {
		return nil, errors.New("call manager requires a signaling transport")
	}
	if engine == nil {
		return nil, errors.New("call manager requires a media engine")
	}

	m := &Manager{
		self:            self,
		transport:       transport,
		engine:          engine,
		cfg:             DefaultConfig(),
		logger:          zap.NewNop(),
		clock:           clock.New(),
		events:          make(chan any, eventQueueSize),
		quit:            make(chan struct{}),
		handles:         make(map[string]scheduled),
		cancelSeen:      make(map[string]time.Time),
		endedCalls:      make(map[string]time.Time),
		resendRequested: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cfg = m.cfg.withDefaults()
	m.logger = m.logger.Named("call").With(zap.String("self", self))
	if m.timers == nil {
		m.timers = timer.New(m.clock)
		m.ownTimers = true
	}
	m.acq = newAcquirer(engine, m.clock, m.cfg, m.logger)
	m.initFSM()
	m.publish()
	return m, nil
}

// WithDisplayName имя, которое видит собеседник
func WithDisplayName(name string) Option {
	return func(m *Manager) {
		m.displayName = name
	}
}

func (m *Manager) initFSM() {
	active := []string{
		string(StateDialing), string(StateRinging), string(StateAnswering),
		string(StateConnecting), string(StateConnected),
	}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: eventRing, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: eventAnswer, Src: []string{string(StateRinging)}, Dst: string(StateAnswering)},
			{Name: eventNegotiate, Src: []string{string(StateDialing), string(StateAnswering)}, Dst: string(StateConnecting)},
			{Name: eventConnect, Src: []string{string(StateConnecting), string(StateAnswering)}, Dst: string(StateConnected)},
			{Name: eventEnd, Src: active, Dst: string(StateEnding)},
			{Name: eventFail, Src: append(active, string(StateEnding)), Dst: string(StateFailed)},
			{Name: eventReset, Src: append(active, string(StateEnding), string(StateFailed)), Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": m.enterState,
		},
	)
}

func (m *Manager) enterState(_ context.Context, e *fsm.Event) {
	from, to := State(e.Src), State(e.Dst)
	callID := ""
	if m.sess != nil {
		m.sess.State = to
		callID = m.sess.CallID
	}

	m.history = append(m.history, Transition{
		From:      from,
		To:        to,
		Event:     e.Event,
		CallID:    callID,
		Timestamp: m.clock.Now(),
	})
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	m.metrics.transition(from, to)

	m.logger.Info("call state changed",
		zap.String("call_id", callID),
		zap.String("from", from.String()),
		zap.String("state", to.String()),
		zap.String("event", e.Event))

	m.publish()
	if m.observer.OnStateChange != nil && m.sess != nil {
		m.observer.OnStateChange(m.sess.Info(), from, to)
	}
}

// fire выполняет переход, если он допустим из текущего состояния
func (m *Manager) fire(event string) bool {
	if !m.fsm.Can(event) {
		m.logger.Debug("transition not allowed",
			zap.String("event", event), zap.String("state", m.fsm.Current()))
		return false
	}
	if err := m.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			m.logger.Warn("transition failed", zap.String("event", event), zap.Error(err))
			return false
		}
	}
	return true
}

// Start запускает цикл событий и подписывается на сигнализацию. С
// WithResumeOnStart отложенные намерения сверяются до подписки.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("call manager already started")
	}
	select {
	case <-m.quit:
		return ErrClosed
	default:
	}

	m.wg.Add(1)
	go m.loop()

	if m.resumeOnStart {
		if err := m.Resume(ctx); err != nil {
			m.logger.Warn("call flags reconciliation failed", zap.Error(err))
		}
	}

	m.subscribe()
	m.transport.OnReconnect(func() {
		m.post(reconnectEvent{})
	})
	m.logger.Info("call manager started")
	return nil
}

// Close завершает активный звонок и останавливает цикл событий
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
		m.wg.Wait()
		if m.ownTimers {
			m.timers.Shutdown()
		}
		m.acq.close()
		m.logger.Info("call manager stopped")
	})
	return nil
}

func (m *Manager) subscribe() {
	for _, kind := range signaling.Kinds {
		m.transport.On(kind, func(env signaling.Envelope) {
			m.post(envelopeEvent{env: env})
		})
	}
}

// post ставит событие в очередь; false если менеджер закрыт
func (m *Manager) post(ev any) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.quit:
		return false
	}
}

func request[T any](ctx context.Context, m *Manager, ev any, reply <-chan T) (T, error) {
	var zero T
	select {
	case m.events <- ev:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.quit:
		return zero, ErrClosed
	}
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-m.quit:
		return zero, ErrClosed
	}
}

// Dial начинает исходящий звонок и возвращает его callID. Захват медиа и
// отправка offer продолжаются асинхронно; итог сообщает Observer.
func (m *Manager) Dial(ctx context.Context, peerID, peerName string, kind media.Kind) (string, error) {
	if peerID == "" || peerID == m.self {
		return "", errors.Errorf("invalid peer %q", peerID)
	}
	if !kind.Valid() {
		return "", errors.Errorf("invalid media kind %q", kind)
	}
	reply := make(chan dialResult, 1)
	res, err := request(ctx, m, dialRequest{peerID: peerID, peerName: peerName, media: kind, reply: reply}, reply)
	if err != nil {
		return "", err
	}
	return res.callID, res.err
}

// Answer принимает входящий звонок
func (m *Manager) Answer(ctx context.Context) error {
	reply := make(chan error, 1)
	res, err := request(ctx, m, answerRequest{reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// HangUp завершает или отклоняет текущий звонок
func (m *Manager) HangUp(ctx context.Context) error {
	reply := make(chan error, 1)
	res, err := request(ctx, m, hangUpRequest{reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// SetIncomingCallFromExternalTrigger создает входящую сессию по push
// уведомлению, до получения offer
func (m *Manager) SetIncomingCallFromExternalTrigger(ctx context.Context, t Trigger) error {
	if t.CallerID == "" || t.CallerID == m.self {
		return errors.Errorf("invalid caller %q", t.CallerID)
	}
	if t.Media == "" {
		t.Media = media.Audio
	}
	if !t.Media.Valid() {
		return errors.Errorf("invalid media kind %q", t.Media)
	}
	reply := make(chan error, 1)
	res, err := request(ctx, m, externalRequest{trigger: t, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Resume сверяет отложенные намерения из PersistentCallFlags. Безопасно
// вызывать многократно.
func (m *Manager) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	res, err := request(ctx, m, resumeRequest{ctx: ctx, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Prewarm заранее захватывает локальный поток для следующего звонка
func (m *Manager) Prewarm(ctx context.Context, kind media.Kind) error {
	if !kind.Valid() {
		return errors.Errorf("invalid media kind %q", kind)
	}
	if err := m.acq.Prewarm(ctx, kind); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mediaError(err)
	}
	return nil
}

// Current снимок активной сессии
func (m *Manager) Current() (SessionInfo, bool) {
	s := m.snap.Load()
	return s.info, s.active
}

// State текущее состояние
func (m *Manager) State() State {
	s := m.snap.Load()
	if !s.active {
		return StateIdle
	}
	return s.info.State
}

// PendingOps снимок флагов взаимного исключения
func (m *Manager) PendingOps() PendingOps {
	return m.snap.Load().ops
}

// History последние переходы состояний
func (m *Manager) History() []Transition {
	return append([]Transition(nil), m.snap.Load().history...)
}

func (m *Manager) publish() {
	s := &snapshot{ops: m.ops, history: append([]Transition(nil), m.history...)}
	if m.sess != nil {
		s.info = m.sess.Info()
		s.active = true
	}
	m.snap.Store(s)
}

// respond публикует снимок до ответа, чтобы вызывающий сразу видел
// результат своего запроса
func respond[T any](m *Manager, reply chan<- T, v T) {
	m.publish()
	reply <- v
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
			m.publish()
		case <-m.quit:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	if m.sess == nil {
		return
	}
	if m.sess.State != StateEnding {
		m.sendCancel(signaling.ReasonHangUp)
	}
	m.terminate(OutcomeNormal, nil)
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case dialRequest:
		m.handleDial(ev)
	case answerRequest:
		respond(m, ev.reply, m.handleAnswer())
	case hangUpRequest:
		respond(m, ev.reply, m.handleHangUp())
	case externalRequest:
		respond(m, ev.reply, m.handleExternalTrigger(ev.trigger))
	case resumeRequest:
		respond(m, ev.reply, m.reconcile(ev.ctx))
	case envelopeEvent:
		m.handleEnvelope(ev.env)
	case timerEvent:
		m.handleTimer(ev)
	case mediaResult:
		m.handleMediaResult(ev)
	case connStateEvent:
		m.handleConnState(ev)
	case localCandidateEvent:
		m.handleLocalCandidate(ev)
	case reconnectEvent:
		m.handleReconnect()
	default:
		m.logger.Warn("unknown call event", zap.Any("event", ev))
	}
}

// События цикла

type dialResult struct {
	callID string
	err    error
}

type dialRequest struct {
	peerID   string
	peerName string
	media    media.Kind
	reply    chan<- dialResult
}

type answerRequest struct {
	reply chan<- error
}

type hangUpRequest struct {
	reply chan<- error
}

type externalRequest struct {
	trigger Trigger
	reply   chan<- error
}

type resumeRequest struct {
	ctx   context.Context
	reply chan<- error
}

type envelopeEvent struct {
	env signaling.Envelope
}

type timerEvent struct {
	name   string
	seq    uint64
	gen    uint64
	callID string
}

type scheduled struct {
	handle timer.Handle
	seq    uint64
}

type acquirePurpose int

const (
	acquireForDial acquirePurpose = iota
	acquireForAnswer
)

type mediaResult struct {
	gen     uint64
	purpose acquirePurpose
	stream  media.Stream
	err     error
}

type connStateEvent struct {
	gen   uint64
	state media.ConnectionState
}

type localCandidateEvent struct {
	gen       uint64
	candidate media.Candidate
}

type reconnectEvent struct{}

// Сессия и таймеры

func (m *Manager) newSession(callID string, role Role, peerID, peerName string, kind media.Kind) *Session {
	m.gen++
	s := &Session{
		CallID:          callID,
		Role:            role,
		PeerUserID:      peerID,
		PeerDisplayName: peerName,
		Media:           kind,
		State:           StateIdle,
		StartedAt:       m.clock.Now(),
		gen:             m.gen,
	}
	m.sess = s
	m.mediaState = ""
	m.metrics.callStarted(role)
	return s
}

func owner(gen uint64) string {
	return strconv.FormatUint(gen, 10)
}

func (m *Manager) schedule(name string, delay time.Duration) {
	if m.sess == nil {
		return
	}
	m.timerSeq++
	seq, gen, callID := m.timerSeq, m.sess.gen, m.sess.CallID
	h := m.timers.Schedule(name, owner(gen), delay, func() {
		m.post(timerEvent{name: name, seq: seq, gen: gen, callID: callID})
	})
	m.handles[name] = scheduled{handle: h, seq: seq}
}

func (m *Manager) cancelTimer(name string) {
	if s, ok := m.handles[name]; ok {
		m.timers.Cancel(s.handle)
		delete(m.handles, name)
	}
}

func (m *Manager) timerPending(name string) bool {
	_, ok := m.handles[name]
	return ok
}

func (m *Manager) sessionLogger() *zap.Logger {
	if m.sess == nil {
		return m.logger
	}
	return m.logger.With(
		zap.String("call_id", m.sess.CallID),
		zap.String("peer", m.sess.PeerUserID),
		zap.String("state", m.sess.State.String()))
}

func newCallID() string {
	return uuid.NewString()
}
