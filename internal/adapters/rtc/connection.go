package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/core"
)

const (
	TrackMicrophone = "microphone"
	TrackCamera     = "camera"
	TrackScreen     = "screen"

	dataChannelLabel    = "events"
	dataChannelProtocol = "stream-messaging"
)

var (
	audioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// trackSlot is one named local track with its capture source.
// Only touched from the executor.
type trackSlot struct {
	name   string
	kind   MediaKind
	codec  webrtc.RTPCodecCapability
	track  *LocalTrack
	sender *webrtc.RTPSender
	source core.MediaSource
	on     bool
}

// PeerConnection wraps a pion peer connection. Every call touching the pion
// API runs on a private executor.
// Callbacks must be registered before Setup or SetSessionDescription.
type PeerConnection struct {
	label   string
	pc      *webrtc.PeerConnection
	exec    *Executor
	sources core.SourceProvider
	catalog core.DeviceCatalog
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dc        atomic.Pointer[webrtc.DataChannel]
	closed    atomic.Bool
	closeOnce sync.Once
	release   func()

	mic, camera, screen *trackSlot

	cameraDevice    core.VideoDevice
	cameraCap       core.VideoCapability
	screenSource    core.ScreenSource
	screenFramerate int
	screenBitrate   int

	onLocalDescription func(core.LocalDescription)
	onICE              func(*webrtc.ICECandidateInit)
	onICEState         func(webrtc.ICEConnectionState)
	onException        func(error)
	onRemoteVideo      func(*rtp.Packet)
	onAudioLevel       func(uint8, bool)
	onData             func([]byte)
}

var _ core.MediaConnection = (*PeerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, label string, sources core.SourceProvider, catalog core.DeviceCatalog, defaults MediaDefaults) *PeerConnection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &PeerConnection{
		label:           label,
		pc:              pc,
		exec:            NewExecutor(),
		sources:         sources,
		catalog:         catalog,
		logger:          log.With().Str("module", "rtc").Str("pc", label).Logger(),
		ctx:             ctx,
		cancel:          cancel,
		mic:             &trackSlot{name: TrackMicrophone, kind: MediaAudio, codec: audioCodec},
		camera:          &trackSlot{name: TrackCamera, kind: MediaCamera, codec: videoCodec},
		screen:          &trackSlot{name: TrackScreen, kind: MediaScreen, codec: videoCodec},
		cameraCap:       defaults.Camera,
		screenFramerate: defaults.ScreenFramerate,
		screenBitrate:   defaults.ScreenBitrate,
	}
	c.bind()
	return c
}

func (c *PeerConnection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if c.onICE == nil || c.closed.Load() {
			return
		}
		if cand == nil {
			c.onICE(nil)
			return
		}
		ci := cand.ToJSON()
		c.onICE(&ci)
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if c.onICEState != nil {
			c.onICEState(s)
		}
	})

	c.pc.OnNegotiationNeeded(func() {
		c.exec.Execute(func() {
			if c.pc.RemoteDescription() == nil || c.pc.SignalingState() != webrtc.SignalingStateStable {
				return
			}
			c.logger.Debug().Msg("renegotiation needed")
			c.createOffer()
		})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		sink := newRemoteSink(track, receiver)
		sink.onVideo = c.onRemoteVideo
		sink.onLevel = c.onAudioLevel
		logger := c.logger.With().Str("track_id", track.ID()).Logger()
		go sink.loop(c.ctx, &logger)
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Debug().Str("label", dc.Label()).Msg("remote data channel")
		c.bindDataChannel(dc)
	})
}

func (c *PeerConnection) bindDataChannel(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onData != nil {
			c.onData(msg.Data)
		}
	})
	c.dc.Store(dc)
}

func sends(d webrtc.RTPTransceiverDirection) bool {
	return d == webrtc.RTPTransceiverDirectionSendonly || d == webrtc.RTPTransceiverDirectionSendrecv
}

func (c *PeerConnection) Setup(audio, video, screen webrtc.RTPTransceiverDirection) {
	c.exec.Execute(func() {
		proto := dataChannelProtocol
		dc, err := c.pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Protocol: &proto})
		if err != nil {
			c.fail(err)
			return
		}
		c.bindDataChannel(dc)

		c.setupSlot(c.mic, audio, webrtc.RTPCodecTypeAudio)
		c.setupSlot(c.camera, video, webrtc.RTPCodecTypeVideo)
		c.setupSlot(c.screen, screen, webrtc.RTPCodecTypeVideo)

		c.createOffer()
	})
}

func (c *PeerConnection) setupSlot(slot *trackSlot, dir webrtc.RTPTransceiverDirection, kind webrtc.RTPCodecType) {
	switch {
	case sends(dir):
		if err := c.addTrack(slot, dir); err != nil {
			c.fail(&MediaError{Kind: slot.kind, Msg: "add track", Err: err})
			return
		}
		c.enable(slot)
	case dir == webrtc.RTPTransceiverDirectionRecvonly:
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir}); err != nil {
			c.fail(err)
		}
	}
}

func (c *PeerConnection) addTrack(slot *trackSlot, dir webrtc.RTPTransceiverDirection) error {
	track, err := NewLocalTrack(slot.codec, slot.name, c.label)
	if err != nil {
		return err
	}
	tr, err := c.pc.AddTransceiverFromTrack(track.Local(), webrtc.RTPTransceiverInit{Direction: dir})
	if err != nil {
		return err
	}
	slot.track = track
	slot.sender = tr.Sender()
	go drainRTCP(slot.sender)
	return nil
}

// drainRTCP keeps interceptors fed; pion needs sender RTCP read.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *PeerConnection) createOffer() {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.fail(err)
		return
	}
	c.emitLocalDescription()
}

func (c *PeerConnection) createAnswer() {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.fail(err)
		return
	}
	c.emitLocalDescription()
}

func (c *PeerConnection) emitLocalDescription() {
	ld := c.pc.LocalDescription()
	if ld == nil || c.onLocalDescription == nil {
		return
	}
	var streams []core.StreamDescription
	for _, tr := range c.pc.GetTransceivers() {
		sender := tr.Sender()
		if sender == nil || sender.Track() == nil || tr.Mid() == "" {
			continue
		}
		streams = append(streams, core.StreamDescription{Mid: tr.Mid(), Name: sender.Track().ID()})
	}
	c.onLocalDescription(core.LocalDescription{SDP: *ld, Streams: streams})
}

func (c *PeerConnection) SetSessionDescription(desc webrtc.SessionDescription) {
	c.exec.Execute(func() {
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			c.fail(err)
			return
		}
		// pion adds a recvonly transceiver for every offered media line
		// that has no local track.
		if desc.Type == webrtc.SDPTypeOffer {
			c.createAnswer()
		}
	})
}

func (c *PeerConnection) AddICECandidate(cand webrtc.ICECandidateInit) {
	c.exec.Execute(func() {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Msg("add ICE candidate")
		}
	})
}

func (c *PeerConnection) SetMicrophoneEnabled(on bool) {
	c.exec.Execute(func() { c.toggle(c.mic, on) })
}

func (c *PeerConnection) SetCameraEnabled(on bool) {
	c.exec.Execute(func() { c.toggle(c.camera, on) })
}

func (c *PeerConnection) SetScreenShareEnabled(on bool) {
	c.exec.Execute(func() { c.toggle(c.screen, on) })
}

// toggle enables or disables a slot; a slot without a track gets one, which
// triggers renegotiation.
func (c *PeerConnection) toggle(slot *trackSlot, on bool) {
	if !on {
		c.disable(slot)
		return
	}
	if slot.track == nil {
		if err := c.addTrack(slot, webrtc.RTPTransceiverDirectionSendonly); err != nil {
			c.fail(&MediaError{Kind: slot.kind, Msg: "add track", Err: err})
			return
		}
	}
	c.enable(slot)
}

func (c *PeerConnection) enable(slot *trackSlot) {
	if slot.kind == MediaScreen {
		if err := c.renewEndedScreen(); err != nil {
			c.fail(&MediaError{Kind: MediaScreen, Msg: "replace ended track", Err: err})
			return
		}
	}
	if slot.source == nil {
		src, err := c.newSource(slot.kind)
		if err != nil {
			c.fail(&MediaError{Kind: slot.kind, Msg: "create source", Err: err})
			return
		}
		slot.source = src
	}
	c.configure(slot)

	slot.track.MarkOk()
	slot.on = true
	if slot.source == nil {
		return
	}
	if err := slot.source.Start(slot.track); err != nil {
		slot.track.MarkMuted()
		slot.on = false
		c.fail(&MediaError{Kind: slot.kind, Msg: "start source", Err: err})
	}
}

func (c *PeerConnection) disable(slot *trackSlot) {
	if slot.track == nil || !slot.on {
		return
	}
	slot.on = false
	slot.track.MarkMuted()
	if slot.source != nil {
		slot.source.Stop()
	}
}

func (c *PeerConnection) newSource(kind MediaKind) (core.MediaSource, error) {
	if c.sources == nil {
		return nil, nil
	}
	switch kind {
	case MediaAudio:
		return c.sources.NewAudioSource()
	case MediaCamera:
		src, err := c.sources.NewCameraSource()
		if err != nil || src == nil {
			return nil, err
		}
		return src, nil
	case MediaScreen:
		src, err := c.sources.NewDesktopSource()
		if err != nil || src == nil {
			return nil, err
		}
		src.OnEnded(func() {
			c.exec.Execute(func() {
				c.logger.Info().Msg("screen source ended")
				if c.screen.track != nil {
					c.screen.track.MarkEnded()
				}
				c.screen.on = false
			})
		})
		return src, nil
	}
	return nil, nil
}

// configure pushes the current device and encoding settings to the source
// before it starts.
func (c *PeerConnection) configure(slot *trackSlot) {
	switch src := slot.source.(type) {
	case core.CameraSource:
		capability := c.cameraCap
		if c.catalog != nil {
			if nearest, ok := NearestCapability(c.cameraCap, c.catalog.Capabilities(c.cameraDevice)); ok {
				capability = nearest
			}
		}
		src.SetDevice(c.cameraDevice)
		src.SetCapability(capability)
	case core.DesktopSource:
		src.SetSource(c.screenSource)
		src.SetFrameRate(c.screenFramerate)
		src.SetEncoding(screenEncoding(c.screenFramerate, c.screenBitrate))
	}
}

// screenEncoding derives sender limits from a bitrate in kbps.
func screenEncoding(framerate, bitrate int) core.Encoding {
	return core.Encoding{
		MinBitrate:   bitrate * 500,
		MaxBitrate:   bitrate * 1000,
		MaxFramerate: framerate,
	}
}

// renewEndedScreen swaps an ended screen track for a fresh one on the same
// sender.
func (c *PeerConnection) renewEndedScreen() error {
	slot := c.screen
	if slot.track == nil || slot.track.State() != TrackStateEnded {
		return nil
	}
	track, err := NewLocalTrack(slot.codec, slot.name, c.label)
	if err != nil {
		return err
	}
	if err := slot.sender.ReplaceTrack(track.Local()); err != nil {
		return err
	}
	slot.track = track
	if ds, ok := slot.source.(core.DesktopSource); ok && ds.Ended() {
		slot.source = nil
	}
	c.logger.Debug().Msg("screen track replaced")
	return nil
}

func (c *PeerConnection) SetCameraDevice(d core.VideoDevice) {
	c.exec.Execute(func() {
		c.cameraDevice = d
		c.restart(c.camera)
	})
}

func (c *PeerConnection) SetCameraCapability(capability core.VideoCapability) {
	c.exec.Execute(func() {
		c.cameraCap = capability
		c.restart(c.camera)
	})
}

func (c *PeerConnection) SetScreenSource(s core.ScreenSource) {
	c.exec.Execute(func() {
		c.screenSource = s
		c.restart(c.screen)
	})
}

func (c *PeerConnection) SetScreenFramerate(fps int) {
	c.exec.Execute(func() {
		c.screenFramerate = fps
		if ds, ok := c.screen.source.(core.DesktopSource); ok {
			ds.SetFrameRate(fps)
			ds.SetEncoding(screenEncoding(c.screenFramerate, c.screenBitrate))
		}
	})
}

func (c *PeerConnection) SetScreenBitrate(kbps int) {
	c.exec.Execute(func() {
		c.screenBitrate = kbps
		if ds, ok := c.screen.source.(core.DesktopSource); ok {
			ds.SetEncoding(screenEncoding(c.screenFramerate, c.screenBitrate))
		}
	})
}

// restart re-applies settings to a running source.
func (c *PeerConnection) restart(slot *trackSlot) {
	if !slot.on {
		return
	}
	c.disable(slot)
	c.enable(slot)
}

func (c *PeerConnection) SendData(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	dc := c.dc.Load()
	if dc == nil {
		return ErrNoDataChannel
	}
	c.exec.Execute(func() {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			c.logger.Debug().Str("state", dc.ReadyState().String()).Msg("data channel not open, dropping")
			return
		}
		if err := dc.Send(data); err != nil {
			c.logger.Debug().Err(err).Msg("data channel send")
		}
	})
	return nil
}

// IsReceivingVideo reports whether the remote side offers an active video line.
func (c *PeerConnection) IsReceivingVideo() bool {
	return sendsVideo(c.pc.RemoteDescription())
}

func (c *PeerConnection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.exec.Execute(func() {
			for _, slot := range []*trackSlot{c.mic, c.camera, c.screen} {
				if slot.source != nil {
					slot.source.Stop()
				}
			}
			if err := c.pc.Close(); err != nil {
				c.logger.Error().Err(err).Msg("close error")
			} else {
				c.logger.Info().Msg("closed")
			}
			c.cancel()
		})
		c.exec.Shutdown()
		if c.release != nil {
			c.release()
		}
	})
}

func (c *PeerConnection) fail(err error) {
	var me *MediaError
	if errors.As(err, &me) {
		c.logger.Warn().Err(err).Str("media", string(me.Kind)).Msg("media error")
	} else {
		c.logger.Error().Err(err).Msg("peer connection error")
	}
	if c.onException != nil {
		c.onException(err)
	}
}

func (c *PeerConnection) OnLocalDescription(fn func(core.LocalDescription)) { c.onLocalDescription = fn }

func (c *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.onICEState = fn
}

func (c *PeerConnection) OnException(fn func(error)) { c.onException = fn }

func (c *PeerConnection) OnRemoteVideo(fn func(*rtp.Packet)) { c.onRemoteVideo = fn }

func (c *PeerConnection) OnAudioLevel(fn func(level uint8, voice bool)) { c.onAudioLevel = fn }

func (c *PeerConnection) OnData(fn func([]byte)) { c.onData = fn }
