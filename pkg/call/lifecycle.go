package call

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/timer"
)

// Намерения пользователя

func (m *Manager) handleDial(req dialRequest) {
	if m.sess != nil {
		respond(m, req.reply, dialResult{err: ErrCallInProgress.WithCallID(m.sess.CallID)})
		return
	}
	if !m.transport.IsConnected() {
		respond(m, req.reply, dialResult{err: ErrSignalingUnavailable})
		return
	}

	sess := m.newSession(newCallID(), RoleCaller, req.peerID, req.peerName, req.media)
	m.fire(eventDial)
	m.schedule(timer.ConnectionTimeout, m.cfg.ConnectionTimeout)
	m.startAcquire(acquireForDial)

	m.sessionLogger().Info("dialing", zap.String("media", sess.Media.String()))
	respond(m, req.reply, dialResult{callID: sess.CallID})
}

func (m *Manager) handleAnswer() error {
	sess := m.sess
	if sess == nil || sess.Role != RoleCallee {
		return ErrNoActiveCall
	}
	switch sess.State {
	case StateAnswering, StateConnecting, StateConnected:
		return nil
	case StateRinging:
	default:
		return ErrNoActiveCall.WithCallID(sess.CallID)
	}

	if sess.RemoteDescription == nil {
		// offer еще не пришел: ответим, как только он появится
		sess.autoAnswer = true
		m.acq.Prefetch(sess.Media)
		m.sessionLogger().Info("answer requested before offer arrived")
		return nil
	}
	m.beginAnswer()
	return nil
}

func (m *Manager) beginAnswer() {
	if !m.fire(eventAnswer) {
		return
	}
	m.ops.AnswerInFlight = true
	m.cancelTimer(timer.ReceiverNoAnswerTimeout)
	m.schedule(timer.ConnectionTimeout, m.cfg.ConnectionTimeout)
	m.startAcquire(acquireForAnswer)
}

func (m *Manager) handleHangUp() error {
	sess := m.sess
	if sess == nil {
		return ErrNoActiveCall
	}
	if sess.State == StateEnding {
		m.reset(OutcomeBusy, ErrPeerBusy.WithCallID(sess.CallID))
		return nil
	}

	reason := signaling.ReasonHangUp
	if sess.Role == RoleCallee && sess.State == StateRinging {
		reason = signaling.ReasonDeclined
	}
	m.sendCancel(reason)
	m.terminate(OutcomeNormal, nil)
	return nil
}

func (m *Manager) handleExternalTrigger(t Trigger) error {
	if sess := m.sess; sess != nil {
		if sess.Role == RoleCallee && sess.PeerUserID == t.CallerID {
			// тот же звонок уже известен по offer или предыдущему push
			if t.AutoAnswer && sess.State == StateRinging {
				if sess.RemoteDescription != nil {
					m.beginAnswer()
				} else {
					sess.autoAnswer = true
				}
			}
			return nil
		}
		return ErrCallInProgress.WithCallID(sess.CallID)
	}
	if t.CallID != "" && m.recentlyEnded(t.CallID, t.CallerID) {
		m.logger.Debug("ignoring trigger for ended call", zap.String("call_id", t.CallID))
		return ErrStaleEvent.WithCallID(t.CallID)
	}

	sess := m.newSession(t.CallID, RoleCallee, t.CallerID, t.CallerName, t.Media)
	sess.external = true
	sess.autoAnswer = t.AutoAnswer
	m.fire(eventRing)
	m.schedule(timer.SignalWaitTimeout, m.cfg.SignalWaitTimeout)
	m.schedule(timer.OfferResendWait, m.cfg.SignalWaitTimeout/2)
	if t.AutoAnswer {
		m.acq.Prefetch(t.Media)
	}

	env := m.envelope(signaling.KindRequestSignal)
	m.pendingRequestSignal = &env
	if err := m.send(env); err != nil {
		m.sessionLogger().Warn("request-signal not sent, will retry on reconnect", zap.Error(err))
	}

	m.sessionLogger().Info("incoming call from external trigger", zap.Bool("auto_answer", t.AutoAnswer))
	if m.observer.OnIncoming != nil {
		m.observer.OnIncoming(sess.Info())
	}
	return nil
}

// Медиа

func (m *Manager) startAcquire(purpose acquirePurpose) {
	sess := m.sess
	ctx, cancel := context.WithCancel(context.Background())
	m.acqCancel = cancel
	m.ops.MediaAcquisitionInFlight = true
	gen, kind := sess.gen, sess.Media

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		stream, err := m.acq.Acquire(ctx, kind)
		if !m.post(mediaResult{gen: gen, purpose: purpose, stream: stream, err: err}) && stream != nil {
			stream.Stop()
		}
	}()
}

func (m *Manager) handleMediaResult(ev mediaResult) {
	sess := m.sess
	if sess == nil || sess.gen != ev.gen || (sess.State != StateDialing && sess.State != StateAnswering) {
		if ev.stream != nil {
			ev.stream.Stop()
		}
		m.logger.Debug("discarding media for stale session")
		return
	}
	if m.acqCancel != nil {
		m.acqCancel()
		m.acqCancel = nil
	}
	m.ops.MediaAcquisitionInFlight = false
	log := m.sessionLogger()

	if ev.err != nil {
		cerr := mediaError(ev.err).WithCallID(sess.CallID)
		log.Error("media acquisition failed", zap.Error(ev.err))
		m.sendCancel(signaling.ReasonFailed)
		m.terminate(OutcomeFailed, cerr)
		return
	}

	m.stream = ev.stream
	gen := sess.gen
	conn, err := m.engine.Open(sess.CallID, ev.stream, media.Observer{
		OnConnectionState: func(state media.ConnectionState) {
			m.post(connStateEvent{gen: gen, state: state})
		},
		OnLocalCandidate: func(c media.Candidate) {
			m.post(localCandidateEvent{gen: gen, candidate: c})
		},
	})
	if err != nil {
		log.Error("failed to open media connection", zap.Error(err))
		m.sendCancel(signaling.ReasonFailed)
		m.terminate(OutcomeFailed, ErrDeviceBusy.WithCallID(sess.CallID).WithCause(err))
		return
	}
	m.conn = conn

	switch ev.purpose {
	case acquireForDial:
		m.sendOffer(false)
	case acquireForAnswer:
		m.completeAnswer()
	}
}

// sendOffer создает offer и отправляет его собеседнику
func (m *Manager) sendOffer(iceRestart bool) {
	sess := m.sess
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	offer, err := m.conn.CreateOffer(ctx, iceRestart)
	if err != nil {
		m.sessionLogger().Error("failed to create offer", zap.Error(err))
		m.sendCancel(signaling.ReasonFailed)
		m.terminate(OutcomeFailed, ErrNegotiationRejected.WithCallID(sess.CallID).WithCause(err))
		return
	}
	sess.LocalDescription = &offer

	env := m.envelope(signaling.KindOffer)
	env.SDP = offer.SDP
	env.Media = sess.Media
	env.DisplayName = m.displayName
	if err := m.send(env); err != nil {
		m.sessionLogger().Error("failed to send offer", zap.Error(err))
		m.terminate(OutcomeFailed, ErrSignalingUnavailable.WithCallID(sess.CallID).WithCause(err))
		return
	}

	if !iceRestart && sess.PendingRemoteAnswer != nil && m.conn.CanApplyAnswer() {
		answer := *sess.PendingRemoteAnswer
		sess.PendingRemoteAnswer = nil
		m.sessionLogger().Debug("applying early answer")
		m.applyAnswer(answer)
	}
}

func (m *Manager) resendOffer() {
	sess := m.sess
	if sess.LocalDescription == nil {
		return
	}
	env := m.envelope(signaling.KindOffer)
	env.SDP = sess.LocalDescription.SDP
	env.Media = sess.Media
	env.DisplayName = m.displayName
	if err := m.send(env); err != nil {
		m.sessionLogger().Warn("failed to resend offer", zap.Error(err))
	}
}

// completeAnswer применяет удаленный offer и отправляет answer
func (m *Manager) completeAnswer() {
	sess := m.sess
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.conn.ApplyRemoteDescription(ctx, *sess.RemoteDescription); err != nil {
		m.sessionLogger().Error("failed to apply remote offer", zap.Error(err))
		m.sendCancel(signaling.ReasonFailed)
		m.terminate(OutcomeFailed, ErrNegotiationRejected.WithCallID(sess.CallID).WithCause(err))
		return
	}
	sess.remoteApplied = true
	m.drainCandidates()

	answer, err := m.conn.CreateAnswer(ctx)
	if err != nil {
		m.sessionLogger().Error("failed to create answer", zap.Error(err))
		m.sendCancel(signaling.ReasonFailed)
		m.terminate(OutcomeFailed, ErrNegotiationRejected.WithCallID(sess.CallID).WithCause(err))
		return
	}
	sess.LocalDescription = &answer

	env := m.envelope(signaling.KindAnswer)
	env.SDP = answer.SDP
	env.Media = sess.Media
	if err := m.send(env); err != nil {
		m.sessionLogger().Error("failed to send answer", zap.Error(err))
		m.terminate(OutcomeFailed, ErrSignalingUnavailable.WithCallID(sess.CallID).WithCause(err))
		return
	}

	m.ops.AnswerInFlight = false
	if sess.State == StateAnswering {
		m.fire(eventNegotiate)
	}
}

// applyAnswer применяет удаленный answer на стороне звонящего
func (m *Manager) applyAnswer(desc media.Description) {
	sess := m.sess
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.conn.ApplyRemoteDescription(ctx, desc); err != nil {
		// ожидаемая гонка: соединение не ждет answer
		m.sessionLogger().Debug("answer rejected", zap.Error(err))
		m.metrics.dropped("negotiation-rejected")
		return
	}
	m.ops.LastNegotiationFingerprint = fingerprint(desc.SDP)
	sess.RemoteDescription = &desc
	sess.remoteApplied = true
	m.drainCandidates()

	if sess.State == StateDialing {
		m.fire(eventNegotiate)
	}
}

// drainCandidates добавляет накопленные кандидаты в порядке поступления
func (m *Manager) drainCandidates() {
	sess := m.sess
	if len(sess.PendingRemoteCandidates) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	for _, c := range sess.PendingRemoteCandidates {
		if err := m.conn.AddICECandidate(ctx, c); err != nil {
			m.sessionLogger().Warn("failed to add queued candidate", zap.Error(err))
		}
	}
	m.sessionLogger().Debug("drained queued candidates", zap.Int("count", len(sess.PendingRemoteCandidates)))
	sess.PendingRemoteCandidates = nil
}

func (m *Manager) handleLocalCandidate(ev localCandidateEvent) {
	if m.sess == nil || m.sess.gen != ev.gen {
		return
	}
	env := m.envelope(signaling.KindIceCandidate)
	c := ev.candidate
	env.Candidate = &c
	if err := m.send(env); err != nil {
		m.sessionLogger().Debug("failed to send local candidate", zap.Error(err))
	}
}

func (m *Manager) handleConnState(ev connStateEvent) {
	sess := m.sess
	if sess == nil || sess.gen != ev.gen {
		return
	}
	m.mediaState = ev.state
	log := m.sessionLogger().With(zap.String("media_state", string(ev.state)))

	switch ev.state {
	case media.ConnectionConnected:
		m.cancelTimer(timer.ICEDisconnectGrace)
		m.cancelTimer(timer.DisconnectedStateDebounce)
		if m.uiDisconnected {
			m.uiDisconnected = false
			if m.observer.OnMediaDisconnected != nil {
				m.observer.OnMediaDisconnected(sess.Info(), false)
			}
		}
		if sess.State != StateConnecting && sess.State != StateAnswering {
			return
		}
		m.cancelTimer(timer.ConnectionTimeout)
		m.cancelTimer(timer.ReceiverNoAnswerTimeout)
		if sess.ConnectedAt.IsZero() {
			sess.ConnectedAt = m.clock.Now()
		}
		sess.everConnected = true
		m.fire(eventConnect)
		if err := m.send(m.envelope(signaling.KindConnected)); err != nil {
			log.Debug("failed to send connected notice", zap.Error(err))
		}

	case media.ConnectionDisconnected:
		if !sess.everConnected {
			return
		}
		if !m.timerPending(timer.ICEDisconnectGrace) {
			m.schedule(timer.ICEDisconnectGrace, m.cfg.ICEDisconnectGrace)
		}
		if !m.timerPending(timer.DisconnectedStateDebounce) && !m.uiDisconnected {
			m.schedule(timer.DisconnectedStateDebounce, m.cfg.DisconnectedDebounce)
		}
		log.Info("media disconnected")

	case media.ConnectionFailed:
		m.handleICEFailure()
	}
}

func (m *Manager) handleICEFailure() {
	sess := m.sess
	log := m.sessionLogger()
	switch sess.State {
	case StateConnecting, StateConnected, StateAnswering:
	default:
		return
	}

	if sess.iceRestarts < m.cfg.ICERestartBudget {
		sess.iceRestarts++
		m.metrics.iceRestart()
		log.Warn("media connection failed, restarting ICE",
			zap.Int("attempt", sess.iceRestarts), zap.Int("budget", m.cfg.ICERestartBudget))
		if !m.timerPending(timer.ICEDisconnectGrace) && sess.everConnected {
			m.schedule(timer.ICEDisconnectGrace, m.cfg.ICEDisconnectGrace)
		}
		if !m.timerPending(timer.DisconnectedStateDebounce) && !m.uiDisconnected && sess.everConnected {
			m.schedule(timer.DisconnectedStateDebounce, m.cfg.DisconnectedDebounce)
		}
		// перезапуск инициирует только звонящий; вызываемый ждет новый offer
		if sess.Role == RoleCaller && m.conn != nil {
			m.sendOffer(true)
		}
		return
	}

	log.Error("media connection failed, restart budget exhausted")
	m.sendCancel(signaling.ReasonICEFailed)
	m.terminate(OutcomeFailed, ErrICEFailed.WithCallID(sess.CallID))
}

// Таймеры

func (m *Manager) handleTimer(ev timerEvent) {
	s, ok := m.handles[ev.name]
	if !ok || s.seq != ev.seq || m.sess == nil || m.sess.gen != ev.gen {
		m.logger.Debug("ignoring stale timer", zap.String("timer", ev.name), zap.String("call_id", ev.callID))
		return
	}
	delete(m.handles, ev.name)

	sess := m.sess
	log := m.sessionLogger().With(zap.String("timer", ev.name))

	switch ev.name {
	case timer.ConnectionTimeout:
		switch sess.State {
		case StateDialing, StateRinging, StateAnswering, StateConnecting:
			log.Warn("call not connected in time")
			m.sendCancel(signaling.ReasonTimeout)
			m.terminate(OutcomeTimeout, ErrTimeout.WithCallID(sess.CallID))
		}

	case timer.ReceiverNoAnswerTimeout:
		if sess.State == StateRinging && m.conn == nil {
			log.Info("incoming call not answered")
			m.sendCancel(signaling.ReasonNoAnswer)
			m.terminate(OutcomeTimeout, ErrTimeout.WithCallID(sess.CallID))
		}

	case timer.SignalWaitTimeout:
		if sess.RemoteDescription == nil {
			log.Warn("offer did not arrive after external trigger")
			m.sendCancel(signaling.ReasonNoSignal)
			m.terminate(OutcomeTimeout, ErrPeerUnreachable.WithCallID(sess.CallID))
		}

	case timer.OfferResendWait:
		if sess.RemoteDescription == nil && sess.PeerUserID != "" {
			log.Info("offer still missing, requesting resend")
			if err := m.send(m.envelope(signaling.KindResendRequest)); err != nil {
				log.Warn("failed to request offer resend", zap.Error(err))
			}
		}

	case timer.ICEDisconnectGrace:
		if sess.everConnected && m.mediaState != media.ConnectionConnected {
			log.Warn("media stayed disconnected past grace period")
			m.sendCancel(signaling.ReasonICEFailed)
			m.terminate(OutcomeFailed, ErrICEFailed.WithCallID(sess.CallID))
		}

	case timer.DisconnectedStateDebounce:
		if m.mediaState != media.ConnectionConnected && !m.uiDisconnected {
			m.uiDisconnected = true
			if m.observer.OnMediaDisconnected != nil {
				m.observer.OnMediaDisconnected(sess.Info(), true)
			}
		}

	case timer.BusyDisplay:
		if sess.State == StateEnding {
			m.reset(OutcomeBusy, ErrPeerBusy.WithCallID(sess.CallID))
		}
	}
}

// Переподключение сигнализации

func (m *Manager) handleReconnect() {
	m.subscribe()
	if m.pendingRequestSignal == nil || m.sess == nil {
		return
	}
	if err := m.send(*m.pendingRequestSignal); err != nil {
		m.sessionLogger().Warn("failed to replay request-signal", zap.Error(err))
		return
	}
	m.sessionLogger().Info("request-signal replayed after reconnect")
}

// Завершение

// terminate переводит сессию в ending/failed и сбрасывает ее
func (m *Manager) terminate(outcome Outcome, err error) {
	if m.sess == nil {
		return
	}
	if outcome == OutcomeFailed {
		m.fire(eventFail)
	} else if m.sess.State != StateEnding {
		m.fire(eventEnd)
	}
	m.reset(outcome, err)
}

// reset единственный путь возврата в idle. Освобождает все ресурсы сессии.
func (m *Manager) reset(outcome Outcome, cause error) {
	sess := m.sess
	if sess == nil {
		return
	}
	log := m.sessionLogger()

	m.timers.CancelOwner(owner(sess.gen))
	clear(m.handles)
	if m.acqCancel != nil {
		m.acqCancel()
		m.acqCancel = nil
	}
	m.acq.releasePrefetched()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			log.Debug("media connection close failed", zap.Error(err))
		}
		m.conn = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}

	m.ops.MediaAcquisitionInFlight = false
	m.ops.AnswerInFlight = false
	m.pendingRequestSignal = nil
	m.mediaState = ""
	m.uiDisconnected = false

	now := m.clock.Now()
	if sess.CallID != "" {
		m.endedCalls[sess.CallID] = now
	}
	m.pruneEnded()

	info := sess.Info()
	if !m.fire(eventReset) {
		m.fsm.SetState(string(StateIdle))
	}

	var connected float64
	if !sess.ConnectedAt.IsZero() {
		connected = now.Sub(sess.ConnectedAt).Seconds()
	}
	m.metrics.callEnded(outcome, connected)
	m.sess = nil
	m.publish()

	if cause != nil {
		log.Info("call ended", zap.String("outcome", outcome.String()), zap.Error(cause))
	} else {
		log.Info("call ended", zap.String("outcome", outcome.String()))
	}
	if m.observer.OnEnded != nil {
		m.observer.OnEnded(info, outcome, cause)
	}
}

// Исходящие конверты

func (m *Manager) envelope(kind signaling.Kind) signaling.Envelope {
	env := signaling.Envelope{
		Kind:   kind,
		From:   m.self,
		SentAt: m.clock.Now().UnixMilli(),
	}
	if m.sess != nil {
		env.CallID = m.sess.CallID
		env.To = m.sess.PeerUserID
	}
	return env
}

func (m *Manager) send(env signaling.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.transport.Send(ctx, env); err != nil {
		return errors.Wrapf(err, "send %s", env.Kind)
	}
	return nil
}

func (m *Manager) sendCancel(reason string) {
	if m.sess == nil {
		return
	}
	env := m.envelope(signaling.KindCancel)
	env.Reason = reason
	if err := m.send(env); err != nil {
		m.sessionLogger().Warn("failed to send cancel", zap.Error(err))
	}
}
