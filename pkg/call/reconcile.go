package call

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/flags"
	"github.com/arzzra/callcore/pkg/signaling"
)

// reconcile сверяет намерения, выставленные вне процесса, с текущей
// сессией. Флаги очищаются после обработки, поэтому повторный вызов
// ничего не делает.
func (m *Manager) reconcile(ctx context.Context) error {
	if m.flags == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, flagsTimeout)
	defer cancel()

	pending, err := m.flags.GetPending(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to read pending call flags")
	}
	if pending.Empty() {
		return nil
	}
	log := m.logger.With(
		zap.String("cancel_for", pending.CancelFor),
		zap.String("answer_for", pending.AnswerFor),
		zap.String("call_id", pending.CallID))

	if pending.CancelFor != "" {
		if m.hasLocalIntent(pending.CancelFor, pending) {
			log.Info("discarding stale pending cancel")
		} else {
			m.honorCancel(pending)
			log.Info("pending cancel honored")
		}
	}

	if pending.AnswerFor != "" {
		sess := m.sess
		if sess != nil && sess.Role == RoleCallee && sess.PeerUserID == pending.AnswerFor && sess.State == StateRinging {
			log.Info("pending answer honored")
			if err := m.handleAnswer(); err != nil {
				log.Warn("pending answer failed", zap.Error(err))
			}
		} else {
			log.Info("discarding stale pending answer")
		}
	}

	if err := m.flags.Clear(ctx); err != nil {
		return errors.Wrap(err, "failed to clear pending call flags")
	}
	return nil
}

// hasLocalIntent есть ли у пользователя локальное намерение говорить с peer,
// которое делает отложенный cancel устаревшим
func (m *Manager) hasLocalIntent(peer string, pending flags.Pending) bool {
	if pending.AnswerFor == peer {
		return true
	}
	sess := m.sess
	if sess == nil || sess.PeerUserID != peer {
		return false
	}
	if pending.CallID != "" && sess.CallID != "" && pending.CallID != sess.CallID {
		// cancel относится к другому, уже завершенному звонку
		return true
	}
	if sess.Role == RoleCaller {
		return true
	}
	switch sess.State {
	case StateAnswering, StateConnecting, StateConnected:
		return true
	}
	return false
}

func (m *Manager) honorCancel(pending flags.Pending) {
	now := m.clock.Now()
	if pending.CallID != "" {
		m.cancelSeen[pending.CallID] = now
		m.endedCalls[pending.CallID] = now
	} else {
		m.cancelSeen["peer:"+pending.CancelFor] = now
	}

	sess := m.sess
	if sess != nil && sess.PeerUserID == pending.CancelFor {
		m.sendCancel(signaling.ReasonDeclined)
		m.terminate(OutcomeCanceled, nil)
		return
	}

	env := signaling.Envelope{
		Kind:   signaling.KindCancel,
		CallID: pending.CallID,
		From:   m.self,
		To:     pending.CancelFor,
		Reason: signaling.ReasonDeclined,
		SentAt: now.UnixMilli(),
	}
	if err := m.send(env); err != nil {
		m.logger.Warn("failed to send pending cancel", zap.String("to", pending.CancelFor), zap.Error(err))
	}
}
