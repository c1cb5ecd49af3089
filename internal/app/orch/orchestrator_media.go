package orch

import (
	"github.com/dkeye/speechgate/internal/app/handler"
	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/domain"
)

// withPublisher runs fn on the local publisher once it exists. Toggles made
// earlier only update the settings the publisher starts with.
func (o *Orchestrator) withPublisher(update func(*handler.MediaSettings), fn func(*handler.PublisherHandler)) {
	o.mu.Lock()
	if update != nil {
		update(&o.cfg.Media)
	}
	p := o.publisher
	o.mu.Unlock()
	if p != nil {
		fn(p)
	}
}

func (o *Orchestrator) SetSendAudio(on bool) {
	o.withPublisher(func(m *handler.MediaSettings) { m.SendAudio = on }, func(p *handler.PublisherHandler) {
		p.SetSendAudio(on)
	})
}

func (o *Orchestrator) SetSendVideo(on bool) {
	o.withPublisher(func(m *handler.MediaSettings) { m.SendVideo = on }, func(p *handler.PublisherHandler) {
		p.SetSendVideo(on)
	})
}

func (o *Orchestrator) SetSendScreen(on bool) {
	o.withPublisher(func(m *handler.MediaSettings) { m.SendScreen = on }, func(p *handler.PublisherHandler) {
		p.SetSendScreen(on)
	})
}

func (o *Orchestrator) SetScreenSource(s core.ScreenSource) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SetScreenSource(s) })
}

func (o *Orchestrator) SetScreenFramerate(fps int) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SetScreenFramerate(fps) })
}

func (o *Orchestrator) SetScreenBitrate(kbps int) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SetScreenBitrate(kbps) })
}

func (o *Orchestrator) SetCameraDevice(d core.VideoDevice) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SetCameraDevice(d) })
}

func (o *Orchestrator) SetCameraCapability(c core.VideoCapability) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SetCameraCapability(c) })
}

// SetReceiveAudio mutes or unmutes the speaker's audio on the gateway. The
// subscription itself stays up.
func (o *Orchestrator) SetReceiveAudio(on bool) {
	o.setReceive(domain.StreamAudio, on)
}

// SetReceiveVideo is SetReceiveAudio for the speaker's camera.
func (o *Orchestrator) SetReceiveVideo(on bool) {
	o.setReceive(domain.StreamVideo, on)
}

func (o *Orchestrator) setReceive(t domain.StreamType, on bool) {
	o.mu.Lock()
	prev := o.receiveAudio
	if t == domain.StreamVideo {
		prev = o.receiveVideo
		o.receiveVideo = on
	} else {
		o.receiveAudio = on
	}
	e := o.speech
	var pub domain.Publisher
	if e != nil {
		pub = *e.publisher
	}
	o.mu.Unlock()

	if prev == on || e == nil || !pub.Confirmed() {
		return
	}
	if t == domain.StreamVideo {
		e.participant.SetVideoActive(on)
	} else {
		e.participant.SetAudioActive(on)
	}
	o.moderate(pub, t, !on)
}

// SendStreamAction forwards an application event to the room over the
// publisher's data channel.
func (o *Orchestrator) SendStreamAction(a domain.StreamAction) {
	o.withPublisher(nil, func(p *handler.PublisherHandler) { p.SendStreamAction(a) })
}
