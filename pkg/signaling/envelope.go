// Package signaling описывает конверт сигнализации и транспорт, которым
// обмениваются ядра звонков двух пользователей.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arzzra/callcore/pkg/media"
)

// Kind тип конверта
type Kind string

const (
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindIceCandidate  Kind = "ice-candidate"
	KindCancel        Kind = "cancel"
	KindBusy          Kind = "busy"
	KindConnected     Kind = "connected"
	KindResendRequest Kind = "resend-request"
	KindRequestSignal Kind = "request-signal"
)

// Kinds все известные типы конвертов
var Kinds = []Kind{
	KindOffer, KindAnswer, KindIceCandidate, KindCancel,
	KindBusy, KindConnected, KindResendRequest, KindRequestSignal,
}

func (k Kind) String() string {
	return string(k)
}

// Коды причин в Envelope.Reason
const (
	ReasonHangUp    = "hangup"
	ReasonTimeout   = "timeout"
	ReasonNoAnswer  = "no-answer"
	ReasonFailed    = "failed"
	ReasonBusy      = "busy"
	ReasonDeclined  = "declined"
	ReasonNoSignal  = "no-signal"
	ReasonICEFailed = "ice-failed"
)

var (
	// ErrNotConnected транспорт сейчас не подключен
	ErrNotConnected = errors.New("signaling: not connected")
	// ErrInvalidEnvelope конверт не прошел проверку
	ErrInvalidEnvelope = errors.New("signaling: invalid envelope")
)

// Envelope единица обмена по каналу сигнализации. После отправки не изменяется.
//
// CallID может отсутствовать у конвертов старого формата; тогда конверт
// сопоставляется с сессией по идентичности собеседника.
type Envelope struct {
	Kind        Kind             `json:"kind"`
	CallID      string           `json:"callId,omitempty"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	SDP         string           `json:"sdp,omitempty"`
	Candidate   *media.Candidate `json:"candidate,omitempty"`
	Media       media.Kind       `json:"media,omitempty"`
	DisplayName string           `json:"displayName,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	SentAt      int64            `json:"sentAt,omitempty"`
}

// Validate проверяет обязательные для типа поля
func (e Envelope) Validate() error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("%w: missing from/to", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindOffer, KindAnswer:
		if e.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidEnvelope, e.Kind)
		}
	case KindIceCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidEnvelope)
		}
	case KindCancel, KindBusy, KindConnected, KindResendRequest, KindRequestSignal:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	return nil
}

// Marshal кодирует конверт для передачи
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal декодирует и проверяет конверт
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Handler обработчик входящих конвертов одного типа
type Handler func(Envelope)

// Transport надежный переподключающийся канал, адресуемый по пользователю.
// Доставка at-least-once, без гарантий порядка и без дедупликации.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	// On заменяет обработчик для типа, поэтому повторная подписка идемпотентна
	On(kind Kind, h Handler)
	IsConnected() bool
	OnReconnect(cb func())
}
