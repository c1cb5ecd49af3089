package core

import "github.com/pion/webrtc/v4/pkg/media"

type VideoDevice struct {
	ID   string
	Name string
}

type VideoCapability struct {
	Width     int
	Height    int
	FrameRate int
}

type ScreenSource struct {
	ID       string
	Title    string
	IsWindow bool
}

// Encoding constrains an outgoing video stream; bitrates are in bps.
type Encoding struct {
	MinBitrate   int
	MaxBitrate   int
	MaxFramerate int
}

// SampleWriter accepts encoded media for a local track.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// MediaSource produces samples for one local track. Capture pipelines live
// outside this module.
type MediaSource interface {
	Start(SampleWriter) error
	Stop()
}

type CameraSource interface {
	MediaSource
	SetDevice(VideoDevice)
	SetCapability(VideoCapability)
}

type DesktopSource interface {
	MediaSource
	SetSource(ScreenSource)
	SetFrameRate(int)
	SetEncoding(Encoding)
	// OnEnded fires when the captured surface goes away.
	OnEnded(func())
	Ended() bool
}

// SourceProvider creates capture sources; a nil source disables the track
// without failing the connection.
type SourceProvider interface {
	NewAudioSource() (MediaSource, error)
	NewCameraSource() (CameraSource, error)
	NewDesktopSource() (DesktopSource, error)
}

// DeviceCatalog lists what a capture device supports.
type DeviceCatalog interface {
	Capabilities(VideoDevice) []VideoCapability
}
