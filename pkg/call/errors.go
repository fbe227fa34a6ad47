package call

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/arzzra/callcore/pkg/media"
)

// ErrorCategory категория ошибки звонка
type ErrorCategory string

const (
	ErrorCategoryMedia       ErrorCategory = "MEDIA"
	ErrorCategorySignaling   ErrorCategory = "SIGNALING"
	ErrorCategoryNegotiation ErrorCategory = "NEGOTIATION"
	ErrorCategoryPeer        ErrorCategory = "PEER"
	ErrorCategoryTimeout     ErrorCategory = "TIMEOUT"
	ErrorCategoryState       ErrorCategory = "STATE"
)

// ErrorCode код ошибки
type ErrorCode string

const (
	CodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	CodeDeviceBusy           ErrorCode = "DEVICE_BUSY"
	CodeSignalingUnavailable ErrorCode = "SIGNALING_UNAVAILABLE"
	CodeNegotiationRejected  ErrorCode = "NEGOTIATION_REJECTED"
	CodePeerBusy             ErrorCode = "PEER_BUSY"
	CodePeerUnreachable      ErrorCode = "PEER_UNREACHABLE"
	CodeTimeout              ErrorCode = "TIMEOUT"
	CodeStaleEvent           ErrorCode = "STALE_EVENT"
	CodeICEFailed            ErrorCode = "ICE_FAILED"
	CodeCallInProgress       ErrorCode = "CALL_IN_PROGRESS"
	CodeNoActiveCall         ErrorCode = "NO_ACTIVE_CALL"
	CodeClosed               ErrorCode = "CLOSED"
)

// Error структурированная ошибка звонка
type Error struct {
	Code     ErrorCode
	Message  string
	Category ErrorCategory
	CallID   string
	Cause    error
	// Retryable операцию можно повторить
	Retryable bool
	// UserVisible ошибку нужно показать пользователю
	UserVisible bool
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.CallID != "" {
		msg += fmt.Sprintf(" (call %s)", e.CallID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, так что errors.Is(err, ErrTimeout) работает
// для любого экземпляра с тем же кодом
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCallID копия ошибки с идентификатором звонка
func (e *Error) WithCallID(callID string) *Error {
	c := *e
	c.CallID = callID
	return &c
}

// WithCause копия ошибки с исходной причиной
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

func newError(code ErrorCode, category ErrorCategory, message string, retryable, visible bool) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Category:    category,
		Retryable:   retryable,
		UserVisible: visible,
	}
}

// Эталонные ошибки для errors.Is
var (
	ErrPermissionDenied     = newError(CodePermissionDenied, ErrorCategoryMedia, "media permission denied", false, true)
	ErrDeviceBusy           = newError(CodeDeviceBusy, ErrorCategoryMedia, "media device busy", true, true)
	ErrSignalingUnavailable = newError(CodeSignalingUnavailable, ErrorCategorySignaling, "signaling channel unavailable", true, true)
	ErrNegotiationRejected  = newError(CodeNegotiationRejected, ErrorCategoryNegotiation, "description rejected in current state", false, false)
	ErrPeerBusy             = newError(CodePeerBusy, ErrorCategoryPeer, "peer is busy", false, true)
	ErrPeerUnreachable      = newError(CodePeerUnreachable, ErrorCategoryPeer, "peer unreachable", false, true)
	ErrTimeout              = newError(CodeTimeout, ErrorCategoryTimeout, "call timed out", false, true)
	ErrStaleEvent           = newError(CodeStaleEvent, ErrorCategoryState, "stale event", false, false)
	ErrICEFailed            = newError(CodeICEFailed, ErrorCategoryMedia, "connectivity lost", false, true)
	ErrCallInProgress       = newError(CodeCallInProgress, ErrorCategoryState, "another call is in progress", false, true)
	ErrNoActiveCall         = newError(CodeNoActiveCall, ErrorCategoryState, "no active call", false, false)
	ErrClosed               = newError(CodeClosed, ErrorCategoryState, "call manager closed", false, false)
)

// mediaError переводит ошибку движка в типизированную ошибку звонка
func mediaError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, media.ErrPermissionDenied):
		return ErrPermissionDenied.WithCause(err)
	case errors.Is(err, media.ErrDeviceBusy):
		return ErrDeviceBusy.WithCause(err)
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return ErrDeviceBusy.WithCause(err)
}

// IsRetryable можно ли повторить операцию, завершившуюся ошибкой err
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsUserVisible нужно ли показать ошибку пользователю
func IsUserVisible(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.UserVisible
	}
	return false
}
