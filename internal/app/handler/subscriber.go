package handler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/domain"
)

// SubscriberHandler receives one remote publisher's feed.
type SubscriberHandler struct {
	*StateHandler

	publisher  domain.Publisher
	peerStates func(domain.PeerStateEvent)
	actions    func(domain.StreamAction)

	ctxOnce     sync.Once
	participant *domain.ParticipantContext
	detached    atomic.Bool
	talk        talkDetector
}

// NewSubscriberHandler subscribes to publisher. A nil participant is created
// on first use from the publisher's id and name.
func NewSubscriberHandler(opts Options, publisher domain.Publisher, participant *domain.ParticipantContext,
	peerStates func(domain.PeerStateEvent), actions func(domain.StreamAction)) *SubscriberHandler {
	s := &SubscriberHandler{
		StateHandler: NewStateHandler(RoleSubscriber, fmt.Sprintf("subscriber-%d", publisher.ID), state.SubscriberChain, opts),
		publisher:    publisher,
		participant:  participant,
		peerStates:   peerStates,
		actions:      actions,
	}
	s.ctx.Feed = publisher.ID
	s.hooks.configureConnection = s.configureConnection
	s.hooks.stop = func() { s.detached.Store(true) }
	return s
}

func (s *SubscriberHandler) Publisher() domain.Publisher { return s.publisher }

// Participant returns the context of the remote publisher.
func (s *SubscriberHandler) Participant() *domain.ParticipantContext {
	s.ctxOnce.Do(func() {
		if s.participant == nil {
			s.participant = domain.NewParticipantContext(s.publisher.ID, s.publisher.DisplayName)
		}
	})
	return s.participant
}

func (s *SubscriberHandler) Start() {
	s.detached.Store(false)
	s.StateHandler.Start()
}

func (s *SubscriberHandler) configureConnection(conn core.MediaConnection) {
	conn.OnICEConnectionStateChange(s.iceStateChanged)
	conn.OnRemoteVideo(func(pkt *rtp.Packet) {
		s.Participant().PushVideoFrame(pkt)
	})
	conn.OnAudioLevel(func(level uint8, _ bool) {
		if talking, changed := s.talk.push(level); changed {
			s.Participant().SetTalking(talking)
		}
	})
	conn.OnData(s.data)
}

func (s *SubscriberHandler) iceStateChanged(st webrtc.ICEConnectionState) {
	if s.detached.Load() {
		return
	}
	switch st {
	case webrtc.ICEConnectionStateConnected:
		if conn := s.Connection(); conn != nil {
			s.Participant().SetVideoActive(conn.IsReceivingVideo())
		}
		s.Participant().SetAudioActive(true)
		s.NotifyConnected()
		s.emit(domain.PeerStarted)
	case webrtc.ICEConnectionStateDisconnected:
		s.NotifyDisconnected()
		s.emit(domain.PeerStopped)
	case webrtc.ICEConnectionStateClosed:
		s.emit(domain.PeerStopped)
	case webrtc.ICEConnectionStateFailed:
		s.Fail(ErrICEFailed)
	}
}

func (s *SubscriberHandler) data(b []byte) {
	if s.actions == nil || s.detached.Load() {
		return
	}
	a, err := domain.DecodeAction(b)
	if err != nil {
		s.logger.Debug().Err(err).Msg("decode stream action")
		return
	}
	s.actions(a)
}

// SetTalking forwards room talking notifications for this publisher.
func (s *SubscriberHandler) SetTalking(talking bool) {
	if s.detached.Load() {
		return
	}
	s.Participant().SetTalking(talking)
}

func (s *SubscriberHandler) emit(st domain.PeerState) {
	if s.peerStates != nil {
		s.peerStates(domain.NewPeerStateEvent(s.Participant(), st))
	}
}
