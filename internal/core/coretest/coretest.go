// Package coretest provides recording fakes of the core boundaries for tests.
package coretest

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/janus"
)

// Transmitter records every request it is handed.
type Transmitter struct {
	mu   sync.Mutex
	reqs []*janus.Request
}

func (t *Transmitter) Send(r *janus.Request) {
	t.mu.Lock()
	t.reqs = append(t.reqs, r)
	t.mu.Unlock()
}

func (t *Transmitter) Requests() []*janus.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*janus.Request, len(t.reqs))
	copy(out, t.reqs)
	return out
}

// Last returns the most recent request, nil if none.
func (t *Transmitter) Last() *janus.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.reqs) == 0 {
		return nil
	}
	return t.reqs[len(t.reqs)-1]
}

func (t *Transmitter) Reset() {
	t.mu.Lock()
	t.reqs = nil
	t.mu.Unlock()
}

// Count returns how many requests have the given janus verb.
func (t *Transmitter) Count(verb string) int {
	n := 0
	for _, r := range t.Requests() {
		if r.Janus == verb {
			n++
		}
	}
	return n
}

// Bodies returns the video room bodies of type T in send order.
func Bodies[T any](t *Transmitter) []T {
	var out []T
	for _, r := range t.Requests() {
		if b, ok := r.Body.(T); ok {
			out = append(out, b)
		}
	}
	return out
}

// Connection is a scriptable core.MediaConnection.
type Connection struct {
	Label string

	mu     sync.Mutex
	calls  []string
	remote []webrtc.SessionDescription
	dirs   []webrtc.RTPTransceiverDirection
	data   [][]byte
	closed bool

	ReceivingVideo bool
	SendErr        error

	onLocal     func(core.LocalDescription)
	onICE       func(*webrtc.ICECandidateInit)
	onICEState  func(webrtc.ICEConnectionState)
	onException func(error)
	onVideo     func(*rtp.Packet)
	onLevel     func(uint8, bool)
	onData      func([]byte)
}

var _ core.MediaConnection = (*Connection)(nil)

func (c *Connection) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// Calls lists method names in call order.
func (c *Connection) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Connection) Directions() []webrtc.RTPTransceiverDirection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.RTPTransceiverDirection(nil), c.dirs...)
}

func (c *Connection) RemoteDescriptions() []webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), c.remote...)
}

func (c *Connection) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.data...)
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Setup(audio, video, screen webrtc.RTPTransceiverDirection) {
	c.mu.Lock()
	c.dirs = []webrtc.RTPTransceiverDirection{audio, video, screen}
	c.mu.Unlock()
	c.record("Setup")
}

func (c *Connection) SetSessionDescription(d webrtc.SessionDescription) {
	c.mu.Lock()
	c.remote = append(c.remote, d)
	c.mu.Unlock()
	c.record("SetSessionDescription")
}

func (c *Connection) AddICECandidate(webrtc.ICECandidateInit) { c.record("AddICECandidate") }
func (c *Connection) SetMicrophoneEnabled(bool)               { c.record("SetMicrophoneEnabled") }
func (c *Connection) SetCameraEnabled(bool)                   { c.record("SetCameraEnabled") }
func (c *Connection) SetScreenShareEnabled(bool)              { c.record("SetScreenShareEnabled") }
func (c *Connection) SetCameraDevice(core.VideoDevice)        { c.record("SetCameraDevice") }
func (c *Connection) SetCameraCapability(core.VideoCapability) {
	c.record("SetCameraCapability")
}
func (c *Connection) SetScreenSource(core.ScreenSource) { c.record("SetScreenSource") }
func (c *Connection) SetScreenFramerate(int)            { c.record("SetScreenFramerate") }
func (c *Connection) SetScreenBitrate(int)              { c.record("SetScreenBitrate") }

func (c *Connection) SendData(b []byte) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	c.data = append(c.data, b)
	c.mu.Unlock()
	return nil
}

func (c *Connection) IsReceivingVideo() bool { return c.ReceivingVideo }

func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.record("Close")
}

func (c *Connection) OnLocalDescription(fn func(core.LocalDescription)) { c.onLocal = fn }
func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit))  { c.onICE = fn }
func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.onICEState = fn
}
func (c *Connection) OnException(fn func(error))         { c.onException = fn }
func (c *Connection) OnRemoteVideo(fn func(*rtp.Packet)) { c.onVideo = fn }
func (c *Connection) OnAudioLevel(fn func(uint8, bool))  { c.onLevel = fn }
func (c *Connection) OnData(fn func([]byte))             { c.onData = fn }

// EmitLocal delivers a local description as if the engine had created it.
func (c *Connection) EmitLocal(t webrtc.SDPType, sdp string, streams ...core.StreamDescription) {
	c.onLocal(core.LocalDescription{SDP: webrtc.SessionDescription{Type: t, SDP: sdp}, Streams: streams})
}

func (c *Connection) EmitCandidate(ci *webrtc.ICECandidateInit) { c.onICE(ci) }

func (c *Connection) EmitICEState(s webrtc.ICEConnectionState) { c.onICEState(s) }

func (c *Connection) EmitException(err error) { c.onException(err) }

func (c *Connection) EmitVideo(p *rtp.Packet) { c.onVideo(p) }

func (c *Connection) EmitAudioLevel(level uint8) { c.onLevel(level, false) }

func (c *Connection) EmitData(b []byte) { c.onData(b) }

// Factory hands out Connections and remembers them by label.
type Factory struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	order    []*Connection
	disposed bool
	Err      error
}

var _ core.ConnectionFactory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{conns: make(map[string]*Connection)}
}

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connection{Label: label, ReceivingVideo: true}
	f.mu.Lock()
	f.conns[label] = c
	f.order = append(f.order, c)
	f.mu.Unlock()
	return c, nil
}

// Get returns the latest connection created with label.
func (f *Factory) Get(label string) *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[label]
}

func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *Factory) Dispose() {
	f.mu.Lock()
	f.disposed = true
	conns := append([]*Connection(nil), f.order...)
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (f *Factory) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}
