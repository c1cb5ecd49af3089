package handler

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

// MediaSettings are the local send toggles.
type MediaSettings struct {
	SendAudio  bool
	SendVideo  bool
	SendScreen bool
}

func direction(send bool) webrtc.RTPTransceiverDirection {
	if send {
		return webrtc.RTPTransceiverDirectionSendonly
	}
	return webrtc.RTPTransceiverDirectionInactive
}

// PublisherHandler publishes the local participant into the room.
type PublisherHandler struct {
	*StateHandler

	participant *domain.ParticipantContext
	peerStates  func(domain.PeerStateEvent)
	onJoined    func(id uint64, publishers []domain.Publisher)

	mu       sync.Mutex
	media    MediaSettings
	detached bool
}

func NewPublisherHandler(opts Options, media MediaSettings, participant *domain.ParticipantContext, peerStates func(domain.PeerStateEvent)) *PublisherHandler {
	p := &PublisherHandler{
		StateHandler: NewStateHandler(RolePublisher, "publisher", state.PublisherChain, opts),
		participant:  participant,
		peerStates:   peerStates,
		media:        media,
	}
	participant.SetAudioActive(media.SendAudio)
	participant.SetVideoActive(media.SendVideo)
	participant.SetScreenActive(media.SendScreen)

	p.hooks.configureConnection = p.configureConnection
	p.hooks.setupMedia = p.setupMedia
	p.hooks.joined = p.joined
	p.hooks.stop = p.detach
	return p
}

// OnJoined registers the callback receiving the assigned publisher id and
// the publishers already in the room.
func (p *PublisherHandler) OnJoined(fn func(id uint64, publishers []domain.Publisher)) {
	p.onJoined = fn
}

func (p *PublisherHandler) Participant() *domain.ParticipantContext { return p.participant }

// Start emits the local Starting event and enters the chain.
func (p *PublisherHandler) Start() {
	p.mu.Lock()
	p.detached = false
	p.mu.Unlock()
	p.emit(domain.PeerStarting)
	p.StateHandler.Start()
}

func (p *PublisherHandler) joined(e state.SetPublisherID) {
	p.participant.SetPeerID(e.ID)
	p.logger.Info().Uint64("publisher", e.ID).Int("present", len(e.Publishers)).Msg("joined room")
	if p.onJoined != nil {
		p.onJoined(e.ID, e.Publishers)
	}
}

func (p *PublisherHandler) configureConnection(conn core.MediaConnection) {
	conn.OnICEConnectionStateChange(p.iceStateChanged)
}

func (p *PublisherHandler) setupMedia(conn core.MediaConnection) {
	p.mu.Lock()
	m := p.media
	p.mu.Unlock()
	conn.Setup(direction(m.SendAudio), direction(m.SendVideo), direction(m.SendScreen))
}

func (p *PublisherHandler) iceStateChanged(s webrtc.ICEConnectionState) {
	if p.isDetached() {
		return
	}
	switch s {
	case webrtc.ICEConnectionStateConnected:
		p.NotifyConnected()
		p.emit(domain.PeerStarted)
	case webrtc.ICEConnectionStateDisconnected:
		p.NotifyDisconnected()
		p.emit(domain.PeerStopped)
	case webrtc.ICEConnectionStateClosed:
		p.emit(domain.PeerStopped)
	case webrtc.ICEConnectionStateFailed:
		p.Fail(ErrICEFailed)
	}
}

// detach runs before the connection closes: toggles and ICE callbacks go
// quiet, then the room is left.
func (p *PublisherHandler) detach() {
	p.mu.Lock()
	already := p.detached
	p.detached = true
	p.mu.Unlock()
	if already {
		return
	}
	p.SendPluginMessage(janus.NewLeave())
}

func (p *PublisherHandler) isDetached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

func (p *PublisherHandler) emit(s domain.PeerState) {
	if p.peerStates != nil {
		p.peerStates(domain.NewPeerStateEvent(p.participant, s))
	}
}

// withConnection runs fn on the live connection unless the handler is
// detached; the toggle is recorded either way.
func (p *PublisherHandler) withConnection(update func(*MediaSettings), fn func(core.MediaConnection)) {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return
	}
	if update != nil {
		update(&p.media)
	}
	p.mu.Unlock()
	if conn := p.Connection(); conn != nil {
		fn(conn)
	}
}

func (p *PublisherHandler) SetSendAudio(on bool) {
	p.withConnection(func(m *MediaSettings) { m.SendAudio = on }, func(c core.MediaConnection) {
		c.SetMicrophoneEnabled(on)
	})
	p.participant.SetAudioActive(on)
}

func (p *PublisherHandler) SetSendVideo(on bool) {
	p.withConnection(func(m *MediaSettings) { m.SendVideo = on }, func(c core.MediaConnection) {
		c.SetCameraEnabled(on)
	})
	p.participant.SetVideoActive(on)
}

func (p *PublisherHandler) SetSendScreen(on bool) {
	p.withConnection(func(m *MediaSettings) { m.SendScreen = on }, func(c core.MediaConnection) {
		c.SetScreenShareEnabled(on)
	})
	p.participant.SetScreenActive(on)
}

func (p *PublisherHandler) SetScreenSource(s core.ScreenSource) {
	p.withConnection(nil, func(c core.MediaConnection) { c.SetScreenSource(s) })
}

func (p *PublisherHandler) SetScreenFramerate(fps int) {
	p.withConnection(nil, func(c core.MediaConnection) { c.SetScreenFramerate(fps) })
}

func (p *PublisherHandler) SetScreenBitrate(kbps int) {
	p.withConnection(nil, func(c core.MediaConnection) { c.SetScreenBitrate(kbps) })
}

func (p *PublisherHandler) SetCameraDevice(d core.VideoDevice) {
	p.withConnection(nil, func(c core.MediaConnection) { c.SetCameraDevice(d) })
}

func (p *PublisherHandler) SetCameraCapability(capability core.VideoCapability) {
	p.withConnection(nil, func(c core.MediaConnection) { c.SetCameraCapability(capability) })
}

// SendStreamAction sends an application event over the data channel.
// Failures are logged only.
func (p *PublisherHandler) SendStreamAction(a domain.StreamAction) {
	data, err := domain.EncodeAction(a)
	if err != nil {
		p.logger.Debug().Err(err).Msg("encode stream action")
		return
	}
	conn := p.Connection()
	if conn == nil || p.isDetached() {
		p.logger.Debug().Str("action", a.ActionType()).Msg("no connection, stream action dropped")
		return
	}
	if err := conn.SendData(data); err != nil {
		p.logger.Debug().Err(err).Str("action", a.ActionType()).Msg("send stream action")
	}
}
