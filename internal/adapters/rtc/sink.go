package rtc

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// remoteSink drains one remote track and hands packets upward.
type remoteSink struct {
	src          *webrtc.TrackRemote
	audioLevelID uint8

	onVideo func(*rtp.Packet)
	onLevel func(level uint8, voice bool)
}

func newRemoteSink(src *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteSink {
	s := &remoteSink{src: src}
	if src.Kind() == webrtc.RTPCodecTypeAudio {
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				s.audioLevelID = uint8(ext.ID)
				break
			}
		}
	}
	return s
}

// loop reads RTP packets until the track ends or ctx is done.
func (s *remoteSink) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sink ctx done")
			return
		default:
		}
		pkt, _, err := s.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn().Err(err).Msg("read RTP error, stopping sink")
			}
			return
		}
		s.dispatch(pkt, logger)
	}
}

func (s *remoteSink) dispatch(pkt *rtp.Packet, logger *zerolog.Logger) {
	switch s.src.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if s.onVideo != nil {
			s.onVideo(pkt)
		}
	case webrtc.RTPCodecTypeAudio:
		if s.audioLevelID == 0 || s.onLevel == nil {
			return
		}
		raw := pkt.GetExtension(s.audioLevelID)
		if raw == nil {
			return
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(raw); err != nil {
			logger.Debug().Err(err).Msg("bad audio level extension")
			return
		}
		s.onLevel(ext.Level, ext.Voice)
	}
}

// sendsVideo reports whether a remote SDP carries an active video line
// sent by the remote side.
func sendsVideo(desc *webrtc.SessionDescription) bool {
	if desc == nil {
		return false
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return false
	}
	return hasSendingVideo(parsed)
}

func hasSendingVideo(s *sdp.SessionDescription) bool {
	for _, md := range s.MediaDescriptions {
		if md.MediaName.Media != "video" || md.MediaName.Port.Value == 0 {
			continue
		}
		_, recvOnly := md.Attribute(sdp.AttrKeyRecvOnly)
		_, inactive := md.Attribute(sdp.AttrKeyInactive)
		if !recvOnly && !inactive {
			return true
		}
	}
	return false
}
