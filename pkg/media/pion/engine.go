// Package pion реализует media.Engine поверх pion/webrtc.
package pion

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arzzra/callcore/pkg/media"
)

var _ media.Engine = (*Engine)(nil)

// Source выдает локальные дорожки для потока. Реальная реализация открывает
// микрофон и камеру; release вызывается при остановке потока.
type Source func(ctx context.Context, kind media.Kind) (tracks []webrtc.TrackLocal, release func(), err error)

// Config настройки движка
type Config struct {
	ICEServers []string
	Source     Source
	Logger     *zap.Logger
}

// Engine движок на pion/webrtc
type Engine struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	source Source
	logger *zap.Logger
}

// NewEngine создает движок с кодеками по умолчанию
func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "failed to register default codecs")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	source := cfg.Source
	if source == nil {
		source = SampleSource
	}

	pcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		cfg:    pcConfig,
		source: source,
		logger: logger.Named("pion"),
	}, nil
}

// SampleSource создает дорожки, в которые приложение само пишет сэмплы
// (opus для звука, vp8 для видео).
func SampleSource(ctx context.Context, kind media.Kind) ([]webrtc.TrackLocal, func(), error) {
	streamID := "callcore-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create audio track")
	}
	tracks := []webrtc.TrackLocal{audio}
	if kind == media.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to create video track")
		}
		tracks = append(tracks, video)
	}
	return tracks, func() {}, nil
}

// Stream поток с дорожками pion
type Stream struct {
	id      string
	kind    media.Kind
	tracks  []webrtc.TrackLocal
	release func()
	once    sync.Once
}

func (s *Stream) ID() string       { return s.id }
func (s *Stream) Kind() media.Kind { return s.kind }

// Tracks локальные дорожки потока
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *Stream) Stop() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

func (e *Engine) Acquire(ctx context.Context, kind media.Kind) (media.Stream, error) {
	if !kind.Valid() {
		return nil, errors.Errorf("unknown media kind %q", kind)
	}
	tracks, release, err := e.source(ctx, kind)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		if release != nil {
			release()
		}
		return nil, ctx.Err()
	}
	return &Stream{
		id:      uuid.NewString(),
		kind:    kind,
		tracks:  tracks,
		release: release,
	}, nil
}

func (e *Engine) Open(callID string, stream media.Stream, obs media.Observer) (media.Connection, error) {
	ps, ok := stream.(*Stream)
	if !ok {
		return nil, errors.Errorf("stream %s was not acquired by pion engine", stream.ID())
	}

	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create peer connection")
	}
	for _, track := range ps.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, errors.Wrapf(err, "failed to add %s track", track.Kind())
		}
	}

	logger := e.logger.With(zap.String("call_id", callID))
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", zap.String("state", state.String()))
		if obs.OnConnectionState != nil {
			obs.OnConnectionState(convertState(state))
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || obs.OnLocalCandidate == nil {
			return
		}
		init := c.ToJSON()
		cand := media.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		obs.OnLocalCandidate(cand)
	})

	return &conn{pc: pc, kind: ps.kind, logger: logger}, nil
}

func convertState(state webrtc.PeerConnectionState) media.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return media.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return media.ConnectionClosed
	default:
		return media.ConnectionNew
	}
}

type conn struct {
	pc     *webrtc.PeerConnection
	kind   media.Kind
	logger *zap.Logger
}

func (c *conn) CreateOffer(ctx context.Context, iceRestart bool) (media.Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return media.Description{}, errors.Wrap(err, "failed to create offer")
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return media.Description{}, errors.Wrap(err, "failed to set local offer")
	}
	return media.Description{Type: media.DescriptionOffer, SDP: offer.SDP}, nil
}

func (c *conn) CreateAnswer(ctx context.Context) (media.Description, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return media.Description{}, errors.Wrap(err, "failed to create answer")
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return media.Description{}, errors.Wrap(err, "failed to set local answer")
	}
	return media.Description{Type: media.DescriptionAnswer, SDP: answer.SDP}, nil
}

func (c *conn) ApplyRemoteDescription(ctx context.Context, desc media.Description) error {
	if err := ValidateDescription(desc.SDP); err != nil {
		return err
	}
	sdpType := webrtc.SDPTypeOffer
	if desc.Type == media.DescriptionAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
	return errors.Wrapf(err, "failed to set remote %s", desc.Type)
}

func (c *conn) AddICECandidate(ctx context.Context, cand media.Candidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: cand.Candidate, SDPMLineIndex: &idx}
	if mid != "" {
		init.SDPMid = &mid
	}
	return errors.Wrap(c.pc.AddICECandidate(init), "failed to add ice candidate")
}

func (c *conn) CanApplyAnswer() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (c *conn) Close() error {
	return c.pc.Close()
}

// ValidateDescription проверяет, что SDP разбирается и содержит хотя бы одну
// медиа секцию audio или video.
func ValidateDescription(raw string) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return errors.Wrap(err, "invalid session description")
	}
	for _, md := range parsed.MediaDescriptions {
		switch md.MediaName.Media {
		case string(media.Audio), string(media.Video):
			return nil
		}
	}
	return errors.New("session description has no audio or video section")
}
