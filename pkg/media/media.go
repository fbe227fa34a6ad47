// Package media описывает контракт медиа-движка, которым управляет ядро звонка.
//
// Движок непрозрачен: захват устройств, кодирование и сбор ICE кандидатов
// происходят внутри реализации. Ядро только вызывает операции согласования
// и получает уведомления о состоянии соединения.
package media

import (
	"context"
	"errors"
)

// Kind тип медиа звонка
type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

func (k Kind) String() string {
	return string(k)
}

// Valid проверяет, что тип медиа известен
func (k Kind) Valid() bool {
	return k == Audio || k == Video
}

// Ошибки захвата устройств
var (
	// ErrPermissionDenied пользователь или ОС запретили доступ к устройству
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceBusy устройство занято другим процессом, можно повторить
	ErrDeviceBusy = errors.New("media: device busy")
	// ErrClosed соединение уже закрыто
	ErrClosed = errors.New("media: connection closed")
)

// DescriptionType тип описания сессии
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// Description непрозрачное описание сессии (offer/answer)
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

// Candidate кандидат для обхода NAT
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// ConnectionState состояние медиа соединения, как его видит движок
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Stream захваченный локальный поток (дорожки микрофона/камеры)
type Stream interface {
	ID() string
	Kind() Kind
	// Stop останавливает все дорожки. Повторный вызов безопасен.
	Stop()
}

// Observer получает события соединения. Колбэки вызываются из горутин движка.
type Observer struct {
	OnConnectionState func(ConnectionState)
	OnLocalCandidate  func(Candidate)
}

// Connection одно peer-to-peer соединение в рамках звонка
type Connection interface {
	// CreateOffer создает offer и применяет его как локальное описание
	CreateOffer(ctx context.Context, iceRestart bool) (Description, error)
	// CreateAnswer создает answer на примененный удаленный offer
	CreateAnswer(ctx context.Context) (Description, error)
	ApplyRemoteDescription(ctx context.Context, desc Description) error
	AddICECandidate(ctx context.Context, c Candidate) error
	// CanApplyAnswer сообщает, ожидает ли соединение удаленный answer
	// (локальный offer уже применен)
	CanApplyAnswer() bool
	Close() error
}

// Engine фабрика потоков и соединений
type Engine interface {
	// Acquire захватывает устройства. Ошибки: ErrPermissionDenied, ErrDeviceBusy.
	Acquire(ctx context.Context, kind Kind) (Stream, error)
	// Open создает соединение для звонка с уже захваченным потоком
	Open(callID string, stream Stream, obs Observer) (Connection, error)
}
