package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/media/mock"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/timer"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// endedCall запись о завершении звонка
type endedCall struct {
	info    SessionInfo
	outcome Outcome
	err     error
}

// eventCollector собирает уведомления Observer
type eventCollector struct {
	mu           sync.Mutex
	incoming     []SessionInfo
	ended        []endedCall
	busy         []SessionInfo
	disconnected []bool
	states       []State
}

func (c *eventCollector) observer() Observer {
	return Observer{
		OnStateChange: func(_ SessionInfo, _, to State) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.states = append(c.states, to)
		},
		OnIncoming: func(info SessionInfo) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.incoming = append(c.incoming, info)
		},
		OnEnded: func(info SessionInfo, outcome Outcome, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.ended = append(c.ended, endedCall{info: info, outcome: outcome, err: err})
		},
		OnBusy: func(info SessionInfo) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.busy = append(c.busy, info)
		},
		OnMediaDisconnected: func(_ SessionInfo, d bool) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disconnected = append(c.disconnected, d)
		},
	}
}

func (c *eventCollector) Ended() []endedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]endedCall(nil), c.ended...)
}

func (c *eventCollector) Incoming() []SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionInfo(nil), c.incoming...)
}

func (c *eventCollector) Busy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.busy)
}

func (c *eventCollector) Disconnected() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.disconnected...)
}

// harness один менеджер на шине сигнализации; собеседник эмулируется
// конвертами, которые тест кладет прямо в очередь событий
type harness struct {
	t        *testing.T
	self     string
	clock    *clock.Mock
	timers   *timer.Service
	bus      *signaling.Bus
	ep       *signaling.Endpoint
	engine   *mock.Engine
	flags    *flags.Memory
	registry *prometheus.Registry
	events   *eventCollector
	mgr      *Manager
}

func newHarness(t *testing.T, self string, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		self:     self,
		clock:    clock.NewMock(),
		bus:      signaling.NewBus(),
		engine:   mock.NewEngine(),
		flags:    flags.NewMemory(),
		registry: prometheus.NewRegistry(),
		events:   &eventCollector{},
	}
	h.timers = timer.New(h.clock)
	h.ep = h.bus.Endpoint(self)

	base := []Option{
		WithClock(h.clock),
		WithTimers(h.timers),
		WithLogger(zaptest.NewLogger(t)),
		WithObserver(h.events.observer()),
		WithMetrics(h.registry),
		WithFlags(h.flags),
	}
	mgr, err := New(self, h.ep, h.engine, append(base, opts...)...)
	require.NoError(t, err)
	h.mgr = mgr
	require.NoError(t, mgr.Start(context.Background()))

	t.Cleanup(func() {
		h.engine.Release()
		_ = mgr.Close()
		h.timers.Shutdown()
		h.bus.Close()
	})
	return h
}

// sync дожидается обработки всех событий, поставленных в очередь раньше
func (h *harness) sync() {
	h.t.Helper()
	require.NoError(h.t, h.mgr.Resume(context.Background()))
}

// deliver входящий конверт от собеседника
func (h *harness) deliver(env signaling.Envelope) {
	h.t.Helper()
	if env.To == "" {
		env.To = h.self
	}
	require.True(h.t, h.mgr.post(envelopeEvent{env: env}))
	h.sync()
}

func (h *harness) sent(kind signaling.Kind) []signaling.Envelope {
	return h.ep.SentOfKind(kind)
}

func (h *harness) waitSent(kind signaling.Kind, n int) []signaling.Envelope {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.sent(kind)) >= n
	}, waitFor, tick, "expected %d %s envelopes", n, kind)
	return h.sent(kind)
}

func (h *harness) waitState(state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.mgr.State() == state
	}, waitFor, tick, "expected state %s, got %s", state, h.mgr.State())
}

func (h *harness) waitEnded(n int) []endedCall {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.events.Ended()) >= n
	}, waitFor, tick)
	return h.events.Ended()
}

func (h *harness) info() SessionInfo {
	h.t.Helper()
	info, ok := h.mgr.Current()
	require.True(h.t, ok, "expected an active session")
	return info
}

// dial звонок до отправки offer
func (h *harness) dial(peer string, kind media.Kind) (string, *mock.Conn) {
	h.t.Helper()
	callID, err := h.mgr.Dial(context.Background(), peer, "Peer", kind)
	require.NoError(h.t, err)
	offers := len(h.sent(signaling.KindOffer))
	h.waitSent(signaling.KindOffer, offers+1)
	conn := h.engine.LastConn()
	require.NotNil(h.t, conn)
	return callID, conn
}

// connectedCall исходящий звонок в состоянии connected
func (h *harness) connectedCall(peer string) (string, *mock.Conn) {
	h.t.Helper()
	callID, conn := h.dial(peer, media.Audio)
	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: peer, SDP: "v=0 answer " + callID})
	require.Equal(h.t, StateConnecting, h.mgr.State())
	conn.SetState(media.ConnectionConnected)
	h.sync()
	require.Equal(h.t, StateConnected, h.mgr.State())
	return callID, conn
}

// incoming входящий offer от peer
func (h *harness) incoming(peer, callID string) {
	h.t.Helper()
	h.deliver(signaling.Envelope{
		Kind:        signaling.KindOffer,
		CallID:      callID,
		From:        peer,
		SDP:         "v=0 offer " + callID,
		Media:       media.Audio,
		DisplayName: "Peer",
	})
}

// advance двигает часы шагами, давая горутинам таймеров отработать
func (h *harness) advance(d time.Duration) {
	h.clock.Add(d)
	time.Sleep(10 * time.Millisecond)
}

func candidate(n string) *media.Candidate {
	return &media.Candidate{Candidate: "candidate:" + n + " 1 udp 2122260223 10.0.0.1 5000" + n + " typ host", SDPMid: "0"}
}
