package call

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/media"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/timer"
)

// TestDialConnectHangUp проверяет полный исходящий звонок
func TestDialConnectHangUp(t *testing.T) {
	h := newHarness(t, "alice")

	callID, conn := h.dial("bob", media.Video)
	assert.NotEmpty(t, callID)
	assert.Equal(t, StateDialing, h.mgr.State())
	assert.Equal(t, callID, conn.CallID())

	offer := h.sent(signaling.KindOffer)[0]
	assert.Equal(t, callID, offer.CallID)
	assert.Equal(t, "bob", offer.To)
	assert.Equal(t, media.Video, offer.Media)
	assert.True(t, h.timers.Pending(timer.ConnectionTimeout, owner(h.mgr.gen)))

	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 answer"})
	assert.Equal(t, StateConnecting, h.mgr.State())
	require.Len(t, conn.RemoteDescriptions(), 1)

	conn.SetState(media.ConnectionConnected)
	h.sync()
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.False(t, h.info().ConnectedAt.IsZero(), "connectedAt must be recorded")
	assert.Len(t, h.sent(signaling.KindConnected), 1)
	assert.False(t, h.timers.Pending(timer.ConnectionTimeout, owner(h.mgr.gen)))

	require.NoError(t, h.mgr.HangUp(context.Background()))
	assert.Equal(t, StateIdle, h.mgr.State())
	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, signaling.ReasonHangUp, cancels[0].Reason)
	assert.True(t, conn.Closed())
	assert.True(t, h.engine.Streams()[0].Stopped())

	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeNormal, ended[0].outcome)
	assert.NoError(t, ended[0].err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mgr.metrics.callEnds.WithLabelValues("normal")))
}

// TestDialWhileActiveIsRejected единственная активная сессия
func TestDialWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t, "alice")
	h.dial("bob", media.Audio)

	_, err := h.mgr.Dial(context.Background(), "carol", "", media.Audio)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.Equal(t, "bob", h.info().PeerUserID)

	_, err = h.mgr.Dial(context.Background(), "alice", "", media.Audio)
	assert.Error(t, err, "calling yourself is invalid")
}

// TestDialWithoutSignaling отказ без подключения к сигнализации
func TestDialWithoutSignaling(t *testing.T) {
	h := newHarness(t, "alice")
	h.ep.Disconnect()

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	assert.ErrorIs(t, err, ErrSignalingUnavailable)
	assert.Equal(t, StateIdle, h.mgr.State())
}

// TestEchoedOfferRejected собственный offer, вернувшийся эхом, отбрасывается
func TestEchoedOfferRejected(t *testing.T) {
	h := newHarness(t, "alice")
	callID, _ := h.dial("bob", media.Video)
	offer := h.sent(signaling.KindOffer)[0]

	h.deliver(signaling.Envelope{
		Kind:   signaling.KindOffer,
		CallID: callID,
		From:   "alice",
		To:     "alice",
		SDP:    offer.SDP,
		Media:  media.Video,
	})

	assert.Equal(t, StateDialing, h.mgr.State())
	assert.Equal(t, RoleCaller, h.info().Role)
	assert.Empty(t, h.events.Incoming())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mgr.metrics.droppedEnvelopes.WithLabelValues(dropEcho)))
}

// TestDuplicateAnswerNotReapplied повторный answer не применяется второй раз
func TestDuplicateAnswerNotReapplied(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.dial("bob", media.Audio)

	answer := signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 answer"}
	h.deliver(answer)
	h.deliver(answer)
	h.deliver(answer)

	assert.Len(t, conn.RemoteDescriptions(), 1)
	assert.Equal(t, StateConnecting, h.mgr.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.mgr.metrics.droppedEnvelopes.WithLabelValues(dropDuplicate)))
}

// TestEarlyAnswerAppliedAfterOffer answer пришел раньше, чем создан offer
func TestEarlyAnswerAppliedAfterOffer(t *testing.T) {
	h := newHarness(t, "alice")
	h.engine.BlockAcquire()

	callID, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	require.NoError(t, err)
	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 early answer"})
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: callID, From: "bob", Candidate: candidate("1")})

	assert.Equal(t, StateDialing, h.mgr.State())
	assert.Nil(t, h.engine.LastConn())
	assert.Equal(t, 1, h.info().PendingCandidates)

	h.engine.Release()
	h.waitState(StateConnecting)

	conn := h.engine.LastConn()
	require.Len(t, conn.RemoteDescriptions(), 1)
	assert.Equal(t, "v=0 early answer", conn.RemoteDescriptions()[0].SDP)
	assert.Equal(t, []media.Candidate{*candidate("1")}, conn.Candidates())
}

// TestAnswerInWrongStateDropped answer без ожидающего offer отбрасывается молча
func TestAnswerInWrongStateDropped(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.connectedCall("bob")

	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 another answer"})
	assert.Len(t, conn.RemoteDescriptions(), 1)
	assert.Equal(t, StateConnected, h.mgr.State())
}

// TestIncomingCandidatesQueuedUntilAnswer кандидаты до применения offer
// копятся и добавляются в порядке поступления
func TestIncomingCandidatesQueuedUntilAnswer(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")
	assert.Equal(t, StateRinging, h.mgr.State())
	require.Len(t, h.events.Incoming(), 1)
	assert.Equal(t, "alice", h.events.Incoming()[0].PeerUserID)

	for _, n := range []string{"1", "2", "3"} {
		h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c1", From: "alice", Candidate: candidate(n)})
	}
	assert.Equal(t, 3, h.info().PendingCandidates)

	require.NoError(t, h.mgr.Answer(context.Background()))
	h.waitState(StateConnecting)

	conn := h.engine.LastConn()
	require.NotNil(t, conn)
	require.Len(t, conn.RemoteDescriptions(), 1)
	assert.Equal(t, "v=0 offer c1", conn.RemoteDescriptions()[0].SDP)
	assert.Equal(t, []media.Candidate{*candidate("1"), *candidate("2"), *candidate("3")}, conn.Candidates())

	answers := h.sent(signaling.KindAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "c1", answers[0].CallID)
	assert.Equal(t, "alice", answers[0].To)
	assert.False(t, h.timers.Pending(timer.ReceiverNoAnswerTimeout, owner(h.mgr.gen)))

	// кандидат после применения описания добавляется сразу
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c1", From: "alice", Candidate: candidate("4")})
	assert.Len(t, conn.Candidates(), 4)
	assert.False(t, h.mgr.PendingOps().AnswerInFlight)
}

// TestDuplicateOfferIgnored повторная доставка offer не создает новую сессию
func TestDuplicateOfferIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")
	h.incoming("alice", "c1")

	assert.Len(t, h.events.Incoming(), 1)
	assert.Equal(t, "c1", h.info().CallID)
}

// TestCancelIsIdempotent повторные Cancel в окне дедупликации игнорируются
func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	cancel := signaling.Envelope{Kind: signaling.KindCancel, CallID: "c1", From: "alice", Reason: signaling.ReasonHangUp}
	h.deliver(cancel)
	assert.Equal(t, StateIdle, h.mgr.State())

	h.advance(200 * time.Millisecond)
	h.deliver(cancel)
	h.deliver(cancel)

	ended := h.events.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, OutcomeCanceled, ended[0].outcome)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.mgr.metrics.droppedEnvelopes.WithLabelValues(dropCancelDedup)))
	assert.False(t, h.mgr.PendingOps().CancelProcessingInFlight)
	assert.False(t, h.mgr.PendingOps().LastCancelHandledAt.IsZero())

	// опоздавший offer того же звонка не звонит снова
	h.incoming("alice", "c1")
	assert.Equal(t, StateIdle, h.mgr.State())
}

// TestCancelBeforeOffer cancel, обогнавший offer, гасит его
func TestCancelBeforeOffer(t *testing.T) {
	h := newHarness(t, "bob")
	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, CallID: "c1", From: "alice"})
	h.incoming("alice", "c1")
	assert.Equal(t, StateIdle, h.mgr.State())
	assert.Empty(t, h.events.Incoming())
}

// TestCancelFromOtherPeerIgnored Cancel чужого собеседника не сбрасывает сессию
func TestCancelFromOtherPeerIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, CallID: "c1", From: "mallory"})
	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, CallID: "c7", From: "alice"})
	assert.Equal(t, StateRinging, h.mgr.State())
	assert.Empty(t, h.events.Ended())
}

// TestLegacyEnvelopesMatchedByPeer конверты без callID сопоставляются по собеседнику
func TestLegacyEnvelopesMatchedByPeer(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, From: "alice", Candidate: candidate("1")})
	assert.Equal(t, 1, h.info().PendingCandidates)

	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, From: "alice"})
	assert.Equal(t, StateIdle, h.mgr.State())
}

// TestDisconnectBlipIsDebounced кратковременный обрыв не виден в UI и не
// завершает звонок
func TestDisconnectBlipIsDebounced(t *testing.T) {
	h := newHarness(t, "alice")
	_, conn := h.connectedCall("bob")

	conn.SetState(media.ConnectionDisconnected)
	h.sync()
	h.advance(500 * time.Millisecond)
	conn.SetState(media.ConnectionConnected)
	h.sync()

	h.advance(30 * time.Second)
	h.sync()
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Empty(t, h.events.Disconnected())
	assert.Empty(t, h.events.Ended())
}

// TestDisconnectPastGraceEndsCall долгий обрыв сначала показывается в UI,
// затем завершает звонок
func TestDisconnectPastGraceEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	_, conn := h.connectedCall("bob")

	conn.SetState(media.ConnectionDisconnected)
	h.sync()

	h.advance(1500 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.events.Disconnected()) == 1
	}, waitFor, tick)
	assert.Equal(t, []bool{true}, h.events.Disconnected())
	assert.Equal(t, StateConnected, h.mgr.State())

	h.advance(9 * time.Second)
	h.waitState(StateIdle)
	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeFailed, ended[0].outcome)
	assert.ErrorIs(t, ended[0].err, ErrICEFailed)
	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, signaling.ReasonICEFailed, cancels[0].Reason)
}

// TestDisconnectBeforeConnectedIgnored disconnected до первого connected не
// запускает grace таймер
func TestDisconnectBeforeConnectedIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.dial("bob", media.Audio)
	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 answer"})

	conn.SetState(media.ConnectionDisconnected)
	h.sync()
	assert.False(t, h.timers.Pending(timer.ICEDisconnectGrace, owner(h.mgr.gen)))
	assert.Equal(t, StateConnecting, h.mgr.State())
}

// TestStaleTimerIsNoop таймер завершенного звонка не влияет на новый
func TestStaleTimerIsNoop(t *testing.T) {
	h := newHarness(t, "alice")
	first, _ := h.dial("bob", media.Audio)
	firstGen := h.mgr.gen
	firstSeq := h.mgr.timerSeq

	h.advance(30 * time.Second)
	require.NoError(t, h.mgr.HangUp(context.Background()))

	second, _ := h.dial("bob", media.Audio)
	require.NotEqual(t, first, second)

	// первый таймер был бы должен сработать на 45s
	h.advance(16 * time.Second)
	h.sync()
	assert.Equal(t, StateDialing, h.mgr.State())
	assert.Equal(t, second, h.info().CallID)

	// срабатывание, опередившее отмену, тоже ничего не делает
	require.True(t, h.mgr.post(timerEvent{name: timer.ConnectionTimeout, seq: firstSeq, gen: firstGen, callID: first}))
	h.sync()
	assert.Equal(t, StateDialing, h.mgr.State())
	assert.Len(t, h.events.Ended(), 1)

	h.advance(30 * time.Second)
	h.waitState(StateIdle)
	ended := h.waitEnded(2)
	assert.Equal(t, second, ended[1].info.CallID)
	assert.Equal(t, OutcomeTimeout, ended[1].outcome)
}

// TestConnectionTimeout звонок без соединения завершается с Cancel
func TestConnectionTimeout(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.dial("bob", media.Audio)

	h.advance(45 * time.Second)
	h.waitState(StateIdle)

	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, callID, cancels[0].CallID)
	assert.Equal(t, signaling.ReasonTimeout, cancels[0].Reason)
	assert.True(t, conn.Closed())

	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeTimeout, ended[0].outcome)
	assert.ErrorIs(t, ended[0].err, ErrTimeout)
	assert.True(t, IsUserVisible(ended[0].err))
}

// TestReceiverNoAnswerTimeout неотвеченный входящий звонок сбрасывается и
// звонящий уведомляется
func TestReceiverNoAnswerTimeout(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	h.advance(45 * time.Second)
	h.sync()
	assert.Equal(t, StateRinging, h.mgr.State())

	h.advance(5 * time.Second)
	h.waitState(StateIdle)
	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, signaling.ReasonNoAnswer, cancels[0].Reason)
	assert.Equal(t, "alice", cancels[0].To)
}

// TestDeclineSendsCancel отклонение входящего звонка
func TestDeclineSendsCancel(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	require.NoError(t, h.mgr.HangUp(context.Background()))
	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, signaling.ReasonDeclined, cancels[0].Reason)
	assert.Equal(t, StateIdle, h.mgr.State())

	assert.ErrorIs(t, h.mgr.HangUp(context.Background()), ErrNoActiveCall)
	assert.ErrorIs(t, h.mgr.Answer(context.Background()), ErrNoActiveCall)
}

// TestBusyPeer занятый собеседник: показ причины и сброс после задержки
func TestBusyPeer(t *testing.T) {
	h := newHarness(t, "alice")
	callID, _ := h.dial("bob", media.Audio)

	h.deliver(signaling.Envelope{Kind: signaling.KindBusy, CallID: callID, From: "bob", Reason: signaling.ReasonBusy})
	assert.Equal(t, StateEnding, h.mgr.State())
	assert.Equal(t, 1, h.events.Busy())

	_, err := h.mgr.Dial(context.Background(), "carol", "", media.Audio)
	assert.ErrorIs(t, err, ErrCallInProgress)

	h.advance(2 * time.Second)
	h.waitState(StateIdle)
	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeBusy, ended[0].outcome)
	assert.ErrorIs(t, ended[0].err, ErrPeerBusy)
	assert.Empty(t, h.sent(signaling.KindCancel))
}

// TestOfferWhileInCallAnsweredBusy входящий offer во время звонка
func TestOfferWhileInCallAnsweredBusy(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectedCall("bob")

	h.incoming("carol", "c9")
	busy := h.sent(signaling.KindBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, "carol", busy[0].To)
	assert.Equal(t, "c9", busy[0].CallID)
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Equal(t, "bob", h.info().PeerUserID)
}

// TestUnansweredCallReplaced offer другого собеседника заменяет неотвеченный звонок
func TestUnansweredCallReplaced(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c1", From: "alice", Candidate: candidate("1")})

	h.incoming("carol", "c2")
	info := h.info()
	assert.Equal(t, "carol", info.PeerUserID)
	assert.Equal(t, "c2", info.CallID)
	assert.Equal(t, StateRinging, info.State)
	assert.Zero(t, info.PendingCandidates, "state of the replaced call must not leak")

	ended := h.events.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "c1", ended[0].info.CallID)
	assert.Equal(t, OutcomeCanceled, ended[0].outcome)
	assert.Len(t, h.events.Incoming(), 2)
}

// TestICERestartBudget перезапуск ICE до исчерпания бюджета
func TestICERestartBudget(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.connectedCall("bob")

	conn.SetState(media.ConnectionFailed)
	h.sync()
	assert.Equal(t, StateConnected, h.mgr.State())
	assert.Equal(t, 1, conn.ICERestarts())
	offers := h.sent(signaling.KindOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, callID, offers[1].CallID)
	assert.NotEqual(t, offers[0].SDP, offers[1].SDP)

	// ответ на перезапуск применяется
	h.deliver(signaling.Envelope{Kind: signaling.KindAnswer, CallID: callID, From: "bob", SDP: "v=0 restart answer"})
	assert.Len(t, conn.RemoteDescriptions(), 2)

	conn.SetState(media.ConnectionFailed)
	h.sync()
	assert.Equal(t, 2, conn.ICERestarts())
	assert.Equal(t, 2, h.info().ICERestarts)

	conn.SetState(media.ConnectionFailed)
	h.sync()
	assert.Equal(t, StateIdle, h.mgr.State())
	cancels := h.sent(signaling.KindCancel)
	require.Len(t, cancels, 1)
	assert.Equal(t, signaling.ReasonICEFailed, cancels[0].Reason)

	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeFailed, ended[0].outcome)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.mgr.metrics.iceRestarts))
}

// TestCalleeAnswersRestartOffer вызываемый отвечает на offer с перезапуском ICE
func TestCalleeAnswersRestartOffer(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")
	require.NoError(t, h.mgr.Answer(context.Background()))
	h.waitState(StateConnecting)

	conn := h.engine.LastConn()
	conn.SetState(media.ConnectionConnected)
	h.sync()
	require.Equal(t, StateConnected, h.mgr.State())

	conn.SetState(media.ConnectionFailed)
	h.sync()
	assert.Empty(t, h.sent(signaling.KindOffer), "callee never initiates a restart")

	h.deliver(signaling.Envelope{Kind: signaling.KindOffer, CallID: "c1", From: "alice", SDP: "v=0 restart offer"})
	assert.Len(t, conn.RemoteDescriptions(), 2)
	assert.Len(t, h.sent(signaling.KindAnswer), 2)
	assert.Equal(t, StateConnected, h.mgr.State())
}

// TestPermissionDenied отказ в доступе к устройству завершает звонок
func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, "alice")
	h.engine.FailAcquire(media.ErrPermissionDenied)

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Video)
	require.NoError(t, err)

	h.waitState(StateIdle)
	ended := h.waitEnded(1)
	assert.Equal(t, OutcomeFailed, ended[0].outcome)
	assert.ErrorIs(t, ended[0].err, ErrPermissionDenied)
	assert.False(t, IsRetryable(ended[0].err))
	assert.False(t, h.mgr.PendingOps().MediaAcquisitionInFlight)
	assert.Equal(t, 1, h.engine.AcquireCalls(), "permission denied is not retried")
	assert.Empty(t, h.sent(signaling.KindOffer))

	// после сбоя можно звонить снова
	h.dial("bob", media.Audio)
}

// TestDeviceBusyRetriedOnce занятое устройство повторяется один раз
func TestDeviceBusyRetriedOnce(t *testing.T) {
	h := newHarness(t, "alice")
	h.engine.FailAcquire(media.ErrDeviceBusy)

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.clock.Add(100 * time.Millisecond)
		return len(h.sent(signaling.KindOffer)) == 1
	}, waitFor, tick)
	assert.Equal(t, 2, h.engine.AcquireCalls())
	assert.Equal(t, StateDialing, h.mgr.State())
}

// TestDeviceBusyTwiceFails второй DeviceBusy сообщается пользователю
func TestDeviceBusyTwiceFails(t *testing.T) {
	h := newHarness(t, "alice")
	h.engine.FailAcquire(media.ErrDeviceBusy, media.ErrDeviceBusy)

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.clock.Add(100 * time.Millisecond)
		return len(h.events.Ended()) == 1
	}, waitFor, tick)
	ended := h.events.Ended()
	assert.ErrorIs(t, ended[0].err, ErrDeviceBusy)
	assert.True(t, IsRetryable(ended[0].err))
	assert.Equal(t, 2, h.engine.AcquireCalls())
}

// TestResetReleasesEverything после сброса не остается таймеров, захватов
// и потоков прежнего звонка
func TestResetReleasesEverything(t *testing.T) {
	h := newHarness(t, "alice")
	h.engine.BlockAcquire()

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	require.NoError(t, err)
	h.sync()
	assert.True(t, h.mgr.PendingOps().MediaAcquisitionInFlight)
	assert.Positive(t, h.timers.Active())

	require.NoError(t, h.mgr.HangUp(context.Background()))
	assert.False(t, h.mgr.PendingOps().MediaAcquisitionInFlight)
	assert.Zero(t, h.timers.Active())
	_, active := h.mgr.Current()
	assert.False(t, active)

	// захват отменен вместе с сессией: соединение так и не открывается
	h.engine.Release()
	time.Sleep(20 * time.Millisecond)
	h.sync()
	assert.Nil(t, h.engine.LastConn())
	assert.Empty(t, h.sent(signaling.KindOffer))
	for _, s := range h.engine.Streams() {
		assert.True(t, s.Stopped())
	}
}

// TestCallerResendsOfferOnRequest повторная отправка offer по запросам собеседника
func TestCallerResendsOfferOnRequest(t *testing.T) {
	h := newHarness(t, "alice")
	callID, _ := h.dial("bob", media.Audio)
	first := h.sent(signaling.KindOffer)[0]

	h.deliver(signaling.Envelope{Kind: signaling.KindRequestSignal, From: "bob"})
	offers := h.sent(signaling.KindOffer)
	require.Len(t, offers, 2)
	assert.Equal(t, first.SDP, offers[1].SDP)
	assert.Equal(t, callID, offers[1].CallID)

	h.deliver(signaling.Envelope{Kind: signaling.KindResendRequest, CallID: callID, From: "bob"})
	h.deliver(signaling.Envelope{Kind: signaling.KindResendRequest, CallID: callID, From: "bob"})
	assert.Len(t, h.sent(signaling.KindOffer), 3, "resend request is honored once")
}

// TestPeerConnectedRecorded Connected от собеседника не меняет состояние
func TestPeerConnectedRecorded(t *testing.T) {
	h := newHarness(t, "alice")
	callID, _ := h.dial("bob", media.Audio)

	h.deliver(signaling.Envelope{Kind: signaling.KindConnected, CallID: callID, From: "bob"})
	assert.True(t, h.info().PeerConnected)
	assert.Equal(t, StateDialing, h.mgr.State())
}

// TestLocalCandidatesSent локальные кандидаты уходят собеседнику
func TestLocalCandidatesSent(t *testing.T) {
	h := newHarness(t, "alice")
	callID, conn := h.dial("bob", media.Audio)

	conn.EmitCandidate(*candidate("9"))
	h.sync()
	sent := h.sent(signaling.KindIceCandidate)
	require.Len(t, sent, 1)
	assert.Equal(t, callID, sent[0].CallID)
	assert.Equal(t, candidate("9"), sent[0].Candidate)
}

// TestSimultaneousDial встречные звонки: меньший идентификатор сохраняет свой
func TestSimultaneousDial(t *testing.T) {
	t.Run("keeps own call", func(t *testing.T) {
		h := newHarness(t, "alice")
		callID, _ := h.dial("bob", media.Audio)
		h.incoming("bob", "b1")

		assert.Equal(t, StateDialing, h.mgr.State())
		assert.Equal(t, callID, h.info().CallID)
	})

	t.Run("yields to peer", func(t *testing.T) {
		h := newHarness(t, "zed")
		h.dial("bob", media.Audio)
		h.incoming("bob", "b1")

		info := h.info()
		assert.Equal(t, "b1", info.CallID)
		assert.Equal(t, RoleCallee, info.Role)
		h.waitSent(signaling.KindAnswer, 1)
		h.waitState(StateConnecting)
	})
}

// TestTransitionHistory история переходов ограничена и упорядочена
func TestTransitionHistory(t *testing.T) {
	h := newHarness(t, "alice", WithConfig(Config{HistorySize: 3}))
	h.connectedCall("bob")
	require.NoError(t, h.mgr.HangUp(context.Background()))

	history := h.mgr.History()
	require.Len(t, history, 3)
	assert.Equal(t, StateConnected, history[0].To)
	assert.Equal(t, StateEnding, history[1].To)
	assert.Equal(t, StateIdle, history[2].To)
	assert.Equal(t, eventReset, history[2].Event)
}

// TestCloseEndsActiveCall Close завершает звонок и отклоняет новые вызовы
func TestCloseEndsActiveCall(t *testing.T) {
	h := newHarness(t, "alice")
	_, conn := h.connectedCall("bob")

	require.NoError(t, h.mgr.Close())
	assert.True(t, conn.Closed())
	assert.Len(t, h.sent(signaling.KindCancel), 1)

	_, err := h.mgr.Dial(context.Background(), "bob", "", media.Audio)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.mgr.Close(), "close is idempotent")
}

// TestLegacyCancelDoesNotBlockNewCall окно по собеседнику касается только
// конвертов без callID; новый звонок со своим callID звонит
func TestLegacyCancelDoesNotBlockNewCall(t *testing.T) {
	h := newHarness(t, "bob")
	h.incoming("alice", "c1")

	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, From: "alice"})
	require.Equal(t, StateIdle, h.mgr.State())

	h.advance(500 * time.Millisecond)
	// старый offer без callID в окне дедупликации гасится
	h.deliver(signaling.Envelope{Kind: signaling.KindOffer, From: "alice", SDP: "v=0 offer legacy"})
	assert.Equal(t, StateIdle, h.mgr.State())

	h.incoming("alice", "c2")
	assert.Equal(t, StateRinging, h.mgr.State())
	assert.Equal(t, "c2", h.info().CallID)
}

// TestUnknownCallCandidateRequestsResend кандидат звонка, offer которого
// потерян, вызывает один ResendRequest
func TestUnknownCallCandidateRequestsResend(t *testing.T) {
	h := newHarness(t, "bob")

	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c9", From: "alice", Candidate: candidate("1")})
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c9", From: "alice", Candidate: candidate("2")})
	h.deliver(signaling.Envelope{Kind: signaling.KindConnected, CallID: "c9", From: "alice"})

	requests := h.sent(signaling.KindResendRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, "c9", requests[0].CallID)
	assert.Equal(t, "alice", requests[0].To)
	assert.Equal(t, StateIdle, h.mgr.State())

	// завершенные звонки и конверты без callID повторов не просят
	h.deliver(signaling.Envelope{Kind: signaling.KindCancel, CallID: "c10", From: "alice"})
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c10", From: "alice", Candidate: candidate("3")})
	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, From: "carol", Candidate: candidate("4")})
	assert.Len(t, h.sent(signaling.KindResendRequest), 1)
}

// TestCandidateDuringCallDoesNotRequestResend при активном звонке чужие
// кандидаты просто отбрасываются
func TestCandidateDuringCallDoesNotRequestResend(t *testing.T) {
	h := newHarness(t, "alice")
	h.connectedCall("bob")

	h.deliver(signaling.Envelope{Kind: signaling.KindIceCandidate, CallID: "c9", From: "carol", Candidate: candidate("1")})
	assert.Empty(t, h.sent(signaling.KindResendRequest))
}
