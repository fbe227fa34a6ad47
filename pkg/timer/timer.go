// Package timer планировщик именованных отменяемых отложенных вызовов.
//
// Бизнес-логики здесь нет: каждый таймер принадлежит владельцу (owner),
// и владелец может отменить все свои таймеры разом. Отмена best-effort:
// колбэк, уже начавший выполняться, не останавливается, поэтому вызывающая
// сторона обязана перепроверять актуальность в самом колбэке.
package timer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Имена таймеров звонка
const (
	ConnectionTimeout         = "connectionTimeout"
	ICEDisconnectGrace        = "iceDisconnectGrace"
	SignalWaitTimeout         = "signalWaitTimeout"
	ReceiverNoAnswerTimeout   = "receiverNoAnswerTimeout"
	DisconnectedStateDebounce = "disconnectedStateDebounce"
	BusyDisplay               = "busyDisplay"
	OfferResendWait           = "offerResendWait"
)

// Handle идентификатор запланированного таймера
type Handle struct {
	id    uint64
	Name  string
	Owner string
}

// Valid true для handle, полученного из Schedule
func (h Handle) Valid() bool {
	return h.id != 0
}

type entry struct {
	handle Handle
	timer  *clock.Timer
}

// Service планировщик таймеров
type Service struct {
	clock clock.Clock

	mu      sync.Mutex
	seq     uint64
	entries map[uint64]*entry
	closed  bool

	created   int64
	fired     int64
	cancelled int64
}

// New создает планировщик. nil clock означает реальное время.
func New(clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		clock:   clk,
		entries: make(map[uint64]*entry),
	}
}

// Clock используемые часы
func (s *Service) Clock() clock.Clock {
	return s.clock
}

// Schedule планирует fn через delay. Таймер с тем же name и owner заменяется.
func (s *Service) Schedule(name, owner string, delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Handle{}
	}

	for id, e := range s.entries {
		if e.handle.Name == name && e.handle.Owner == owner {
			e.timer.Stop()
			delete(s.entries, id)
			s.cancelled++
		}
	}

	s.seq++
	h := Handle{id: s.seq, Name: name, Owner: owner}
	e := &entry{handle: h}
	e.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.entries[h.id]
		if live {
			delete(s.entries, h.id)
			s.fired++
		}
		s.mu.Unlock()

		if live {
			fn()
		}
	})
	s.entries[h.id] = e
	s.created++
	return h
}

// Cancel отменяет таймер. false если он уже сработал или отменен.
func (s *Service) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h.id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.entries, h.id)
	s.cancelled++
	return true
}

// CancelOwner отменяет все таймеры владельца и возвращает их количество
func (s *Service) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.entries {
		if e.handle.Owner == owner {
			e.timer.Stop()
			delete(s.entries, id)
			n++
		}
	}
	s.cancelled += int64(n)
	return n
}

// Pending запланирован ли таймер name у owner
func (s *Service) Pending(name, owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.handle.Name == name && e.handle.Owner == owner {
			return true
		}
	}
	return false
}

// Active количество активных таймеров
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats счетчики планировщика
func (s *Service) Stats() (created, fired, cancelled int64, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.fired, s.cancelled, len(s.entries)
}

// Shutdown отменяет все таймеры; последующие Schedule ничего не делают
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.closed = true
}
