// Package mock предоставляет управляемую из тестов реализацию media.Engine.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arzzra/callcore/pkg/media"
)

var _ media.Engine = (*Engine)(nil)

// Engine фейковый движок. Все методы потокобезопасны.
type Engine struct {
	mu sync.Mutex

	// acquireErrs очередь ошибок для последовательных вызовов Acquire
	acquireErrs []error
	// gate если установлен, Acquire ждет значения из канала
	gate chan struct{}

	acquireCalls  int
	concurrent    int32
	maxConcurrent int32

	streams []*Stream
	conns   []*Conn
	seq     int
}

// NewEngine создает движок, успешно захватывающий устройства
func NewEngine() *Engine {
	return &Engine{}
}

// FailAcquire ставит в очередь ошибки для следующих вызовов Acquire
func (e *Engine) FailAcquire(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquireErrs = append(e.acquireErrs, errs...)
}

// BlockAcquire заставляет Acquire ждать Release
func (e *Engine) BlockAcquire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
}

// Release отпускает все заблокированные и будущие вызовы Acquire
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate != nil {
		close(e.gate)
		e.gate = nil
	}
}

func (e *Engine) Acquire(ctx context.Context, kind media.Kind) (media.Stream, error) {
	cur := atomic.AddInt32(&e.concurrent, 1)
	defer atomic.AddInt32(&e.concurrent, -1)
	for {
		prev := atomic.LoadInt32(&e.maxConcurrent)
		if cur <= prev || atomic.CompareAndSwapInt32(&e.maxConcurrent, prev, cur) {
			break
		}
	}

	e.mu.Lock()
	e.acquireCalls++
	gate := e.gate
	var err error
	if len(e.acquireErrs) > 0 {
		err = e.acquireErrs[0]
		e.acquireErrs = e.acquireErrs[1:]
	}
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	s := &Stream{id: fmt.Sprintf("stream-%d", e.seq), kind: kind}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *Engine) Open(callID string, stream media.Stream, obs media.Observer) (media.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := &Conn{callID: callID, stream: stream, obs: obs}
	e.conns = append(e.conns, c)
	return c, nil
}

// AcquireCalls количество вызовов Acquire
func (e *Engine) AcquireCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireCalls
}

// MaxConcurrentAcquires наибольшее число одновременных Acquire
func (e *Engine) MaxConcurrentAcquires() int {
	return int(atomic.LoadInt32(&e.maxConcurrent))
}

// Streams все выданные потоки
func (e *Engine) Streams() []*Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stream(nil), e.streams...)
}

// Conns все открытые соединения
func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

// LastConn последнее открытое соединение или nil
func (e *Engine) LastConn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return nil
	}
	return e.conns[len(e.conns)-1]
}

// Stream фейковый поток
type Stream struct {
	id      string
	kind    media.Kind
	stopped atomic.Bool
}

// NewStream создает поток вне движка (для предзагрузки в тестах)
func NewStream(id string, kind media.Kind) *Stream {
	return &Stream{id: id, kind: kind}
}

func (s *Stream) ID() string       { return s.id }
func (s *Stream) Kind() media.Kind { return s.kind }
func (s *Stream) Stop()            { s.stopped.Store(true) }

// Stopped остановлен ли поток
func (s *Stream) Stopped() bool { return s.stopped.Load() }

// Conn фейковое соединение, записывающее все вызовы
type Conn struct {
	mu sync.Mutex

	callID string
	stream media.Stream
	obs    media.Observer

	offers        int
	iceRestarts   int
	answers       int
	remote        []media.Description
	candidates    []media.Candidate
	awaitingReply bool
	closed        bool
}

func (c *Conn) CreateOffer(ctx context.Context, iceRestart bool) (media.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.Description{}, media.ErrClosed
	}
	c.offers++
	if iceRestart {
		c.iceRestarts++
	}
	c.awaitingReply = true
	return media.Description{
		Type: media.DescriptionOffer,
		SDP:  fmt.Sprintf("v=0 offer %s #%d", c.callID, c.offers),
	}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (media.Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.Description{}, media.ErrClosed
	}
	c.answers++
	return media.Description{
		Type: media.DescriptionAnswer,
		SDP:  fmt.Sprintf("v=0 answer %s #%d", c.callID, c.answers),
	}, nil
}

func (c *Conn) ApplyRemoteDescription(ctx context.Context, desc media.Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	if desc.Type == media.DescriptionAnswer {
		if !c.awaitingReply {
			return fmt.Errorf("mock: answer in stable state")
		}
		c.awaitingReply = false
	}
	c.remote = append(c.remote, desc)
	return nil
}

func (c *Conn) AddICECandidate(ctx context.Context, cand media.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return media.ErrClosed
	}
	if len(c.remote) == 0 {
		return fmt.Errorf("mock: candidate before remote description")
	}
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *Conn) CanApplyAnswer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingReply && !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetState эмулирует смену состояния соединения движком
func (c *Conn) SetState(state media.ConnectionState) {
	if c.obs.OnConnectionState != nil {
		c.obs.OnConnectionState(state)
	}
}

// EmitCandidate эмулирует сбор локального кандидата
func (c *Conn) EmitCandidate(cand media.Candidate) {
	if c.obs.OnLocalCandidate != nil {
		c.obs.OnLocalCandidate(cand)
	}
}

// CallID звонок, для которого открыто соединение
func (c *Conn) CallID() string {
	return c.callID
}

// Offers количество созданных offer
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

// ICERestarts количество offer с перезапуском ICE
func (c *Conn) ICERestarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceRestarts
}

// Answers количество созданных answer
func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// RemoteDescriptions примененные удаленные описания
func (c *Conn) RemoteDescriptions() []media.Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Description(nil), c.remote...)
}

// Candidates добавленные удаленные кандидаты в порядке добавления
func (c *Conn) Candidates() []media.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Candidate(nil), c.candidates...)
}

// Closed закрыто ли соединение
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
