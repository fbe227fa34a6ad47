package call

import (
	"time"

	"github.com/arzzra/callcore/pkg/media"
)

// Role роль устройства в звонке
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) String() string {
	return string(r)
}

// State состояние сессии звонка
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateAnswering  State = "answering"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnding     State = "ending"
	StateFailed     State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Active true для любого состояния кроме Idle
func (s State) Active() bool {
	return s != StateIdle && s != ""
}

// Outcome итог завершенного звонка
type Outcome string

const (
	OutcomeNormal   Outcome = "normal"
	OutcomeCanceled Outcome = "canceled"
	OutcomeBusy     Outcome = "busy"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeFailed   Outcome = "failed"
)

func (o Outcome) String() string {
	return string(o)
}

// Session звонок, которым сейчас владеет устройство. Принадлежит циклу
// событий менеджера; наружу отдается только SessionInfo.
type Session struct {
	CallID          string
	Role            Role
	PeerUserID      string
	PeerDisplayName string
	Media           media.Kind
	State           State

	LocalDescription  *media.Description
	RemoteDescription *media.Description
	// PendingRemoteCandidates кандидаты, пришедшие до применения удаленного описания
	PendingRemoteCandidates []media.Candidate
	// PendingRemoteAnswer answer, пришедший раньше локального offer
	PendingRemoteAnswer *media.Description
	ConnectedAt         time.Time
	StartedAt           time.Time

	// gen поколение сессии; владелец таймеров и захвата медиа
	gen           uint64
	iceRestarts   int
	everConnected bool
	// external сессия создана push уведомлением, offer еще не получен
	external      bool
	autoAnswer    bool
	resendHonored bool
	peerConnected bool
	// remoteApplied удаленное описание применено к соединению
	remoteApplied bool
}

// Info снимок сессии
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		CallID:            s.CallID,
		Role:              s.Role,
		PeerUserID:        s.PeerUserID,
		PeerDisplayName:   s.PeerDisplayName,
		Media:             s.Media,
		State:             s.State,
		ConnectedAt:       s.ConnectedAt,
		StartedAt:         s.StartedAt,
		ICERestarts:       s.iceRestarts,
		External:          s.external,
		PeerConnected:     s.peerConnected,
		PendingCandidates: len(s.PendingRemoteCandidates),
	}
}

// SessionInfo неизменяемый снимок сессии для других горутин
type SessionInfo struct {
	CallID            string     `json:"callId"`
	Role              Role       `json:"role"`
	PeerUserID        string     `json:"peerUserId"`
	PeerDisplayName   string     `json:"peerDisplayName,omitempty"`
	Media             media.Kind `json:"media"`
	State             State      `json:"state"`
	ConnectedAt       time.Time  `json:"connectedAt,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	ICERestarts       int        `json:"iceRestarts"`
	External          bool       `json:"external,omitempty"`
	PeerConnected     bool       `json:"peerConnected,omitempty"`
	PendingCandidates int        `json:"pendingCandidates,omitempty"`
}

// PendingOps флаги взаимного исключения. Живут вне Session, чтобы сброс
// сессии не терял информацию о дедупликации.
type PendingOps struct {
	MediaAcquisitionInFlight bool
	AnswerInFlight           bool
	CancelProcessingInFlight bool
	LastCancelHandledAt      time.Time
	// LastNegotiationFingerprint sha256 последнего примененного SDP
	LastNegotiationFingerprint string
}

// Observer уведомления для UI. Вызываются из цикла событий и не должны
// блокироваться; любое поле может быть nil.
type Observer struct {
	OnStateChange func(info SessionInfo, from, to State)
	OnIncoming    func(info SessionInfo)
	OnEnded       func(info SessionInfo, outcome Outcome, err error)
	OnBusy        func(info SessionInfo)
	// OnMediaDisconnected показывает/скрывает индикатор обрыва после debounce
	OnMediaDisconnected func(info SessionInfo, disconnected bool)
}

// Trigger данные push уведомления о входящем звонке
type Trigger struct {
	CallerID   string     `json:"callerId"`
	CallerName string     `json:"callerName,omitempty"`
	Media      media.Kind `json:"media"`
	AutoAnswer bool       `json:"shouldAutoAnswer,omitempty"`
	// CallID если push его содержит
	CallID string `json:"callId,omitempty"`
}

// Transition запись истории переходов
type Transition struct {
	From      State
	To        State
	Event     string
	CallID    string
	Timestamp time.Time
}
