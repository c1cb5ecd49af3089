package orch

import (
	"github.com/dkeye/speechgate/internal/app"
	"github.com/dkeye/speechgate/internal/app/handler"
	"github.com/dkeye/speechgate/internal/app/state"
	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

// StartRemoteSpeech gives the floor to requestID. A holder the gateway never
// confirmed is rejected; a confirmed one is stopped first. The room cap is
// then raised so the speaker can join.
func (o *Orchestrator) StartRemoteSpeech(requestID, name string) {
	if o.Step() != state.StepReady {
		o.logger.Warn().Str("request", requestID).Msg("speech request before session is ready")
		return
	}

	o.floorMu.Lock()
	rejected, evicted := o.startLocked(requestID, name)
	o.floorMu.Unlock()

	if evicted && o.callbacks.SpeechRejected != nil {
		o.callbacks.SpeechRejected(rejected)
	}
}

// startLocked requires floorMu. It reports the request evicted before
// confirmation, if any.
func (o *Orchestrator) startLocked(requestID, name string) (string, bool) {
	o.mu.Lock()
	prev := o.speech
	var current *domain.Publisher
	if prev != nil {
		current = prev.publisher
	}
	action := o.policy.OnSpeechRequest(current)
	if action == app.RejectPending {
		o.speech = nil
	}
	o.mu.Unlock()

	var rejected string
	switch action {
	case app.RejectPending:
		o.logger.Info().Str("request", prev.requestID).Msg("pending speech request evicted")
		rejected = prev.requestID
	case app.StopActive:
		o.stopLocked(prev.requestID)
	}

	participant := domain.NewParticipantContext(0, name)
	participant.SetRequestID(requestID)
	o.mu.Lock()
	o.speech = &speechEntry{
		requestID:   requestID,
		publisher:   &domain.Publisher{DisplayName: name},
		participant: participant,
	}
	o.mu.Unlock()

	o.logger.Info().Str("request", requestID).Str("display", name).Msg("speech requested")
	o.editRoom(o.cfg.SpeechPublishers)
	return rejected, action == app.RejectPending
}

// StopRemoteSpeech ends the speech of requestID: the speaker is kicked when
// the gateway assigned it an id, the Stopped event is emitted and its
// subscriber torn down. The room cap drops back to idle. A stop for a
// request that no longer holds the floor leaves the room alone.
func (o *Orchestrator) StopRemoteSpeech(requestID string) {
	o.floorMu.Lock()
	defer o.floorMu.Unlock()
	o.stopLocked(requestID)
}

// stopLocked requires floorMu.
func (o *Orchestrator) stopLocked(requestID string) {
	o.mu.Lock()
	e := o.speech
	switch {
	case e == nil:
		o.mu.Unlock()
		o.editRoom(o.cfg.IdlePublishers)
		return
	case e.requestID != requestID:
		o.mu.Unlock()
		o.logger.Debug().Str("request", requestID).Str("holder", e.requestID).Msg("stop for stale speech request ignored")
		return
	}
	o.speech = nil
	o.mu.Unlock()

	o.kick(*e.publisher)
	o.peerState(domain.NewPeerStateEvent(e.participant, domain.PeerStopped))
	if e.subscriber != nil && o.registry.Contains(e.subscriber) {
		o.removeHandler(e.subscriber)
		return
	}
	o.editRoom(o.cfg.IdlePublishers)
}

// SpeechRequest returns the request holding the floor.
func (o *Orchestrator) SpeechRequest() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.speech == nil {
		return "", false
	}
	return o.speech.requestID, true
}

// handlePublisherJoined accepts the join of the pending speaker and kicks
// everybody else. Receive toggles switched off earlier apply to the new
// speaker right away.
func (o *Orchestrator) handlePublisherJoined(m *janus.Message) {
	o.floorMu.Lock()
	defer o.floorMu.Unlock()

	for _, joined := range m.Publishers {
		o.mu.Lock()
		e := o.speech
		var pending *domain.Publisher
		if e != nil {
			pending = e.publisher
		}
		action := o.policy.OnPublisherJoined(pending, joined)
		var audio, video bool
		var pub domain.Publisher
		if action == app.AcceptJoin {
			e.publisher.Confirm(joined.ID, joined.Streams)
			e.participant.SetPeerID(joined.ID)
			audio, video = o.receiveAudio, o.receiveVideo
			pub = *e.publisher
		}
		o.mu.Unlock()

		switch action {
		case app.AcceptJoin:
			o.logger.Info().Uint64("publisher", joined.ID).Str("request", e.requestID).Msg("speaker joined")
			if !audio {
				e.participant.SetAudioActive(false)
				o.moderate(pub, domain.StreamAudio, true)
			}
			if !video {
				e.participant.SetVideoActive(false)
				o.moderate(pub, domain.StreamVideo, true)
			}
			o.startSubscriber(e)
		case app.KickJoin:
			o.logger.Warn().Uint64("publisher", joined.ID).Str("display", joined.DisplayName).Msg("unauthorized publisher")
			o.kick(joined)
		}
	}
}

func (o *Orchestrator) startSubscriber(e *speechEntry) {
	o.mu.Lock()
	pub := *e.publisher
	o.mu.Unlock()

	sub := handler.NewSubscriberHandler(o.handlerOptions(o.conns), pub, e.participant, o.peerState, o.streamAction)
	sub.SetSessionID(o.SessionID())
	sub.SetListener(handler.Listener{
		Connected: func() {
			o.announceSpeech(pub)
		},
		Disconnected: func() {
			o.detachSubscriber(e, sub)
		},
		Failed: func(err error) {
			o.logger.Warn().Err(err).Uint64("publisher", pub.ID).Msg("subscriber failed")
			o.detachSubscriber(e, sub)
		},
		Error: func(err error) { o.exception(handler.RoleSubscriber, err) },
	})

	o.mu.Lock()
	if o.speech != e {
		o.mu.Unlock()
		return
	}
	e.subscriber = sub
	o.mu.Unlock()

	o.registry.Add(sub)
	sub.Init()
	sub.Start()
}

// detachSubscriber drops a subscriber whose connection went away. The floor
// entry stays until the speech is stopped.
func (o *Orchestrator) detachSubscriber(e *speechEntry, sub *handler.SubscriberHandler) {
	o.mu.Lock()
	if e.subscriber == sub {
		e.subscriber = nil
	}
	o.mu.Unlock()
	o.removeHandler(sub)
}

// announceSpeech tells passive participants a speaker is live.
func (o *Orchestrator) announceSpeech(pub domain.Publisher) {
	o.mu.Lock()
	p := o.publisher
	o.mu.Unlock()
	if p == nil {
		return
	}
	p.SendStreamAction(domain.SpeechPublishedAction{PublisherID: pub.ID, DisplayName: pub.DisplayName})
}

func (o *Orchestrator) editRoom(publishers int) {
	o.logger.Debug().Int("publishers", publishers).Msg("edit room")
	o.SendPluginMessage(janus.NewEditRoom(o.cfg.Room.ID, o.cfg.Room.Secret, publishers))
}

// kick removes p from the room; a publisher without id is skipped.
func (o *Orchestrator) kick(p domain.Publisher) {
	if !p.Confirmed() {
		return
	}
	o.logger.Debug().Uint64("publisher", p.ID).Msg("kick participant")
	o.SendPluginMessage(janus.NewKick(o.cfg.Room.ID, o.cfg.Room.Secret, p.ID))
}

// moderate mutes or unmutes one stream of p.
func (o *Orchestrator) moderate(p domain.Publisher, t domain.StreamType, mute bool) {
	mid, ok := p.StreamMid(t)
	if !ok {
		o.logger.Error().Uint64("publisher", p.ID).Str("type", string(t)).Msg("cannot moderate publisher, no stream info")
		return
	}
	o.SendPluginMessage(janus.NewModerate(o.cfg.Room.ID, o.cfg.Room.Secret, p.ID, mid, mute))
}
