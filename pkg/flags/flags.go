// Package flags хранилище намерений "отменить"/"ответить", выставленных
// вне процесса (например, нативным экраном входящего звонка). Должно
// переживать перезапуск процесса.
package flags

import (
	"context"
	"sync"
	"time"
)

// Pending отложенные намерения пользователя
type Pending struct {
	// CancelFor пользователь, звонок от которого нужно отклонить
	CancelFor string `json:"cancelFor,omitempty"`
	// AnswerFor пользователь, звонок от которого нужно принять
	AnswerFor string `json:"answerFor,omitempty"`
	// CallID звонок, к которому относится намерение, если он был известен
	CallID string    `json:"callId,omitempty"`
	SetAt  time.Time `json:"setAt,omitempty"`
}

// Empty нет ни одного намерения
func (p Pending) Empty() bool {
	return p.CancelFor == "" && p.AnswerFor == ""
}

// Store долговременное хранилище флагов
type Store interface {
	GetPending(ctx context.Context) (Pending, error)
	Clear(ctx context.Context) error
	SetCancel(ctx context.Context, peerID, callID string) error
	SetAnswer(ctx context.Context, peerID, callID string) error
}

var _ Store = (*Memory)(nil)

// Memory хранилище в памяти; годится для тестов и однопроцессного режима
type Memory struct {
	mu  sync.Mutex
	p   Pending
	now func() time.Time
}

// NewMemory создает пустое хранилище
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) GetPending(ctx context.Context) (Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = Pending{}
	return nil
}

func (m *Memory) SetCancel(ctx context.Context, peerID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p.CancelFor = peerID
	m.p.CallID = callID
	m.p.SetAt = m.now()
	return nil
}

func (m *Memory) SetAnswer(ctx context.Context, peerID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p.AnswerFor = peerID
	m.p.CallID = callID
	m.p.SetAt = m.now()
	return nil
}
