package core

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// StreamDescription labels a local media line once its mid is known.
type StreamDescription struct {
	Mid  string
	Name string
}

// LocalDescription is a freshly applied local SDP plus its media lines.
type LocalDescription struct {
	SDP     webrtc.SessionDescription
	Streams []StreamDescription
}

// MediaConnection is one peer connection with its local media. Every
// mutating call is queued and executed in order; failures are reported
// through OnException.
type MediaConnection interface {
	// Setup adds the data channel and the sending tracks implied by each
	// direction, then starts offer creation.
	Setup(audio, video, screen webrtc.RTPTransceiverDirection)
	// SetSessionDescription applies a remote SDP; an offer is answered.
	SetSessionDescription(webrtc.SessionDescription)
	AddICECandidate(webrtc.ICECandidateInit)

	SetMicrophoneEnabled(bool)
	SetCameraEnabled(bool)
	SetScreenShareEnabled(bool)
	SetCameraDevice(VideoDevice)
	SetCameraCapability(VideoCapability)
	SetScreenSource(ScreenSource)
	SetScreenFramerate(int)
	SetScreenBitrate(int)

	// SendData queues a data channel message.
	SendData([]byte) error
	IsReceivingVideo() bool
	Close()

	OnLocalDescription(func(LocalDescription))
	// OnICECandidate receives local candidates; nil marks the end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnException(func(error))
	OnRemoteVideo(func(*rtp.Packet))
	OnAudioLevel(func(level uint8, voice bool))
	OnData(func([]byte))
}

// ConnectionFactory builds media connections sharing one WebRTC API.
// Dispose closes every connection still open.
type ConnectionFactory interface {
	NewConnection(label string) (MediaConnection, error)
	Dispose()
}
