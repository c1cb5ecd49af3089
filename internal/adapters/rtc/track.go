package rtc

import (
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackEnded = errors.New("track ended")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateEnded
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// LocalTrack is an outgoing sample track with an enable switch. pion tracks
// have no enabled flag, so a muted track silently drops samples.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{track: t}, nil
}

func (t *LocalTrack) ID() string { return t.track.ID() }

// Local returns the pion track for senders.
func (t *LocalTrack) Local() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) MarkOk() {
	t.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (t *LocalTrack) MarkMuted() {
	t.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

// MarkEnded is final; an ended track is replaced, never revived.
func (t *LocalTrack) MarkEnded() {
	t.state.Store(int32(TrackStateEnded))
}

// WriteSample implements core.SampleWriter.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	switch t.State() {
	case TrackStateEnded:
		return ErrTrackEnded
	case TrackStateMuted:
		return nil
	default:
		return t.track.WriteSample(s)
	}
}
