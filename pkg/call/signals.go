package call

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/timer"
)

// Причины отбрасывания входящих конвертов (метка dropped_envelopes_total)
const (
	dropEcho        = "echo"
	dropMisaddress  = "misaddressed"
	dropStale       = "stale"
	dropDuplicate   = "duplicate"
	dropEnded       = "ended"
	dropRejected    = "negotiation-rejected"
	dropCancelDedup = "cancel-dedup"
	dropGlare       = "glare"
	dropUnknown     = "unknown-kind"
)

func (m *Manager) handleEnvelope(env signaling.Envelope) {
	if env.From == m.self {
		m.drop(env, dropEcho)
		return
	}
	if env.To != m.self {
		m.drop(env, dropMisaddress)
		return
	}

	switch env.Kind {
	case signaling.KindOffer:
		m.onOffer(env)
	case signaling.KindAnswer:
		m.onAnswer(env)
	case signaling.KindIceCandidate:
		m.onCandidate(env)
	case signaling.KindCancel:
		m.onCancel(env)
	case signaling.KindBusy:
		m.onBusy(env)
	case signaling.KindConnected:
		m.onConnected(env)
	case signaling.KindResendRequest:
		m.onResendRequest(env)
	case signaling.KindRequestSignal:
		m.onRequestSignal(env)
	default:
		m.drop(env, dropUnknown)
	}
}

func (m *Manager) drop(env signaling.Envelope, reason string) {
	m.metrics.dropped(reason)
	m.logger.Debug("dropping envelope",
		zap.String("kind", env.Kind.String()),
		zap.String("call_id", env.CallID),
		zap.String("from", env.From),
		zap.String("reason", reason))
}

// matches относится ли конверт к активной сессии. Конверты без callID
// (старый формат) и сессии без callID сопоставляются по собеседнику.
func (m *Manager) matches(env signaling.Envelope) bool {
	s := m.sess
	if s == nil || env.From != s.PeerUserID {
		return false
	}
	return env.CallID == "" || s.CallID == "" || env.CallID == s.CallID
}

func fingerprint(sdp string) string {
	sum := sha256.Sum256([]byte(sdp))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) onOffer(env signaling.Envelope) {
	sess := m.sess
	fp := fingerprint(env.SDP)

	if fp == m.ops.LastNegotiationFingerprint {
		m.drop(env, dropDuplicate)
		return
	}
	if (sess == nil || env.CallID != sess.CallID) && m.recentlyEnded(env.CallID, env.From) {
		m.drop(env, dropEnded)
		return
	}
	if sess == nil {
		m.acceptOffer(env, fp)
		return
	}

	// встречный звонок тому, кому звоним мы
	if sess.Role == RoleCaller && sess.PeerUserID == env.From && sess.State == StateDialing &&
		env.CallID != "" && env.CallID != sess.CallID {
		m.resolveGlare(env, fp)
		return
	}

	if m.matches(env) {
		if sess.Role != RoleCallee {
			m.drop(env, dropStale)
			return
		}
		m.onSessionOffer(env, fp)
		return
	}

	// offer от другого собеседника или другого звонка
	if sess.State == StateRinging && m.conn == nil && !m.ops.AnswerInFlight && !m.ops.MediaAcquisitionInFlight {
		m.sessionLogger().Info("replacing unanswered call",
			zap.String("new_call_id", env.CallID), zap.String("new_peer", env.From))
		m.terminate(OutcomeCanceled, nil)
		m.acceptOffer(env, fp)
		return
	}

	m.sendBusy(env)
}

func (m *Manager) acceptOffer(env signaling.Envelope, fp string) {
	kind := env.Media
	if !kind.Valid() {
		kind = media.Audio
	}
	sess := m.newSession(env.CallID, RoleCallee, env.From, env.DisplayName, kind)
	sess.RemoteDescription = &media.Description{Type: media.DescriptionOffer, SDP: env.SDP}
	m.ops.LastNegotiationFingerprint = fp

	m.fire(eventRing)
	m.schedule(timer.ReceiverNoAnswerTimeout, m.cfg.ReceiverNoAnswerTimeout())
	m.sessionLogger().Info("incoming call", zap.String("media", kind.String()))
	if m.observer.OnIncoming != nil {
		m.observer.OnIncoming(sess.Info())
	}
}

// onSessionOffer offer для текущей входящей сессии
func (m *Manager) onSessionOffer(env signaling.Envelope, fp string) {
	sess := m.sess
	desc := media.Description{Type: media.DescriptionOffer, SDP: env.SDP}

	switch {
	case sess.RemoteDescription == nil:
		m.adoptOffer(env, fp)

	case sess.remoteApplied && m.conn != nil && (sess.State == StateConnecting || sess.State == StateConnected):
		m.applyReoffer(desc, fp)

	case !sess.remoteApplied:
		// звонящий переотправил offer до нашего ответа
		sess.RemoteDescription = &desc
		m.ops.LastNegotiationFingerprint = fp
		m.sessionLogger().Debug("remote offer replaced before answer")

	default:
		m.drop(env, dropRejected)
	}
}

// adoptOffer offer для сессии, созданной push уведомлением
func (m *Manager) adoptOffer(env signaling.Envelope, fp string) {
	sess := m.sess
	if sess.CallID == "" {
		sess.CallID = env.CallID
	}
	if env.Media.Valid() {
		sess.Media = env.Media
	}
	if sess.PeerDisplayName == "" {
		sess.PeerDisplayName = env.DisplayName
	}
	sess.RemoteDescription = &media.Description{Type: media.DescriptionOffer, SDP: env.SDP}
	m.ops.LastNegotiationFingerprint = fp
	m.pendingRequestSignal = nil
	m.cancelTimer(timer.SignalWaitTimeout)
	m.cancelTimer(timer.OfferResendWait)

	m.sessionLogger().Info("offer arrived for external call", zap.Bool("auto_answer", sess.autoAnswer))
	if sess.autoAnswer {
		m.beginAnswer()
		return
	}
	m.schedule(timer.ReceiverNoAnswerTimeout, m.cfg.ReceiverNoAnswerTimeout())
}

// applyReoffer отвечает на offer с перезапуском ICE
func (m *Manager) applyReoffer(desc media.Description, fp string) {
	sess := m.sess
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.conn.ApplyRemoteDescription(ctx, desc); err != nil {
		m.sessionLogger().Debug("re-offer rejected", zap.Error(err))
		m.metrics.dropped(dropRejected)
		return
	}
	m.ops.LastNegotiationFingerprint = fp
	sess.RemoteDescription = &desc

	answer, err := m.conn.CreateAnswer(ctx)
	if err != nil {
		m.sessionLogger().Warn("failed to answer re-offer", zap.Error(err))
		return
	}
	sess.LocalDescription = &answer

	out := m.envelope(signaling.KindAnswer)
	out.SDP = answer.SDP
	out.Media = sess.Media
	if err := m.send(out); err != nil {
		m.sessionLogger().Warn("failed to send re-offer answer", zap.Error(err))
		return
	}
	m.sessionLogger().Info("answered ICE restart offer")
}

// resolveGlare оба абонента звонят друг другу одновременно. Свой звонок
// сохраняет пользователь с меньшим идентификатором, второй принимает
// встречный offer.
func (m *Manager) resolveGlare(env signaling.Envelope, fp string) {
	if m.self < env.From {
		m.drop(env, dropGlare)
		return
	}
	m.sessionLogger().Info("simultaneous call, accepting peer's offer", zap.String("peer_call_id", env.CallID))
	m.terminate(OutcomeCanceled, nil)
	m.acceptOffer(env, fp)
	m.beginAnswer()
}

func (m *Manager) sendBusy(env signaling.Envelope) {
	out := signaling.Envelope{
		Kind:   signaling.KindBusy,
		CallID: env.CallID,
		From:   m.self,
		To:     env.From,
		Reason: signaling.ReasonBusy,
		SentAt: m.clock.Now().UnixMilli(),
	}
	if err := m.send(out); err != nil {
		m.logger.Warn("failed to send busy", zap.String("to", env.From), zap.Error(err))
		return
	}
	m.logger.Info("rejected offer while busy", zap.String("from", env.From), zap.String("call_id", env.CallID))
}

func (m *Manager) onAnswer(env signaling.Envelope) {
	sess := m.sess
	if !m.matches(env) || sess.Role != RoleCaller {
		m.drop(env, dropStale)
		return
	}
	if fingerprint(env.SDP) == m.ops.LastNegotiationFingerprint {
		m.drop(env, dropDuplicate)
		return
	}

	desc := media.Description{Type: media.DescriptionAnswer, SDP: env.SDP}
	if m.conn == nil || !m.conn.CanApplyAnswer() {
		if sess.State == StateDialing && !sess.remoteApplied {
			if sess.PendingRemoteAnswer != nil && sess.PendingRemoteAnswer.SDP == env.SDP {
				m.drop(env, dropDuplicate)
				return
			}
			sess.PendingRemoteAnswer = &desc
			m.sessionLogger().Debug("queued early answer")
			return
		}
		m.drop(env, dropRejected)
		return
	}
	m.applyAnswer(desc)
}

func (m *Manager) onCandidate(env signaling.Envelope) {
	sess := m.sess
	if !m.matches(env) || env.Candidate == nil {
		m.requestResend(env)
		m.drop(env, dropStale)
		return
	}
	if m.conn != nil && sess.remoteApplied {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := m.conn.AddICECandidate(ctx, *env.Candidate); err != nil {
			m.sessionLogger().Debug("failed to add remote candidate", zap.Error(err))
		}
		return
	}
	sess.PendingRemoteCandidates = append(sess.PendingRemoteCandidates, *env.Candidate)
}

func cancelKey(env signaling.Envelope) string {
	if env.CallID != "" {
		return env.CallID
	}
	return "peer:" + env.From
}

func (m *Manager) onCancel(env signaling.Envelope) {
	key := cancelKey(env)
	now := m.clock.Now()
	if at, ok := m.cancelSeen[key]; ok && now.Sub(at) < m.cfg.CancelDedupWindow {
		m.drop(env, dropCancelDedup)
		return
	}

	if !m.matches(env) {
		// cancel обогнал offer: запомним, чтобы опоздавший offer не зазвонил
		if m.sess == nil && env.CallID != "" {
			m.endedCalls[env.CallID] = now
		}
		m.drop(env, dropStale)
		return
	}

	m.ops.CancelProcessingInFlight = true
	m.cancelSeen[key] = now
	m.ops.LastCancelHandledAt = now

	var cause error
	if env.Reason == signaling.ReasonBusy {
		cause = ErrPeerBusy.WithCallID(m.sess.CallID)
	}
	m.sessionLogger().Info("call canceled by peer", zap.String("reason", env.Reason))
	m.terminate(OutcomeCanceled, cause)
	m.ops.CancelProcessingInFlight = false
}

func (m *Manager) onBusy(env signaling.Envelope) {
	sess := m.sess
	if !m.matches(env) || sess.Role != RoleCaller {
		m.drop(env, dropStale)
		return
	}
	if sess.State != StateDialing && sess.State != StateConnecting {
		m.drop(env, dropStale)
		return
	}

	m.timers.CancelOwner(owner(sess.gen))
	clear(m.handles)
	m.fire(eventEnd)
	m.sessionLogger().Info("peer is busy")
	if m.observer.OnBusy != nil {
		m.observer.OnBusy(sess.Info())
	}
	m.schedule(timer.BusyDisplay, m.cfg.BusyDisplayDelay)
}

func (m *Manager) onConnected(env signaling.Envelope) {
	if !m.matches(env) {
		m.requestResend(env)
		m.drop(env, dropStale)
		return
	}
	m.sess.peerConnected = true
	m.sessionLogger().Debug("peer reports media connected")
}

func (m *Manager) onResendRequest(env signaling.Envelope) {
	sess := m.sess
	if !m.matches(env) || sess.Role != RoleCaller || sess.resendHonored {
		m.drop(env, dropStale)
		return
	}
	if sess.LocalDescription == nil {
		return
	}
	sess.resendHonored = true
	m.sessionLogger().Info("peer did not receive offer, resending")
	m.resendOffer()
}

func (m *Manager) onRequestSignal(env signaling.Envelope) {
	sess := m.sess
	if !m.matches(env) || sess.Role != RoleCaller || sess.State != StateDialing {
		m.drop(env, dropStale)
		return
	}
	// offer уйдет сам, когда захват медиа завершится
	if sess.LocalDescription == nil {
		return
	}
	m.sessionLogger().Info("peer woke up, resending offer")
	m.resendOffer()
}

// recentlyEnded звонок уже завершен: по callID, либо по собеседнику для
// старых конвертов в окне дедупликации
func (m *Manager) recentlyEnded(callID, peer string) bool {
	now := m.clock.Now()
	if callID != "" {
		at, ok := m.endedCalls[callID]
		return ok && now.Sub(at) < m.cfg.ReceiverNoAnswerTimeout()
	}
	at, ok := m.cancelSeen["peer:"+peer]
	return ok && now.Sub(at) < m.cfg.CancelDedupWindow
}

func (m *Manager) pruneEnded() {
	now := m.clock.Now()
	for id, at := range m.endedCalls {
		if now.Sub(at) >= m.cfg.ReceiverNoAnswerTimeout() {
			delete(m.endedCalls, id)
		}
	}
	for key, at := range m.cancelSeen {
		if now.Sub(at) >= m.cfg.CancelDedupWindow {
			delete(m.cancelSeen, key)
		}
	}
	for id, at := range m.resendRequested {
		if now.Sub(at) >= m.cfg.ReceiverNoAnswerTimeout() {
			delete(m.resendRequested, id)
		}
	}
}

// requestResend просит звонящего повторить offer, когда о звонке известно
// только по его кандидатам или отчетам, а сам offer потерян. Не больше
// одного запроса на callID.
func (m *Manager) requestResend(env signaling.Envelope) {
	if m.sess != nil || env.CallID == "" || m.recentlyEnded(env.CallID, env.From) {
		return
	}
	if _, ok := m.resendRequested[env.CallID]; ok {
		return
	}
	m.resendRequested[env.CallID] = m.clock.Now()

	req := signaling.Envelope{
		Kind:   signaling.KindResendRequest,
		CallID: env.CallID,
		From:   m.self,
		To:     env.From,
		SentAt: m.clock.Now().UnixMilli(),
	}
	if err := m.send(req); err != nil {
		m.logger.Warn("failed to request offer resend", zap.String("call_id", env.CallID), zap.Error(err))
		return
	}
	m.logger.Info("offer missing for known call, resend requested",
		zap.String("call_id", env.CallID), zap.String("peer", env.From))
}
