package domain

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// ParticipantContext holds the observable state of one local or remote
// participant. It is safe for concurrent use.
type ParticipantContext struct {
	mu sync.RWMutex

	peerID       uint64
	requestID    string
	audioActive  bool
	videoActive  bool
	screenActive bool
	displayName  string

	videoFrameConsumer func(*rtp.Packet)
	talkingConsumer    func(bool)
	lastTalking        time.Time
}

func NewParticipantContext(peerID uint64, displayName string) *ParticipantContext {
	return &ParticipantContext{peerID: peerID, displayName: displayName}
}

func (c *ParticipantContext) PeerID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

func (c *ParticipantContext) SetPeerID(id uint64) {
	c.mu.Lock()
	c.peerID = id
	c.mu.Unlock()
}

func (c *ParticipantContext) RequestID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestID
}

func (c *ParticipantContext) SetRequestID(id string) {
	c.mu.Lock()
	c.requestID = id
	c.mu.Unlock()
}

func (c *ParticipantContext) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

func (c *ParticipantContext) SetDisplayName(name string) {
	c.mu.Lock()
	c.displayName = name
	c.mu.Unlock()
}

func (c *ParticipantContext) AudioActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.audioActive
}

func (c *ParticipantContext) SetAudioActive(active bool) {
	c.mu.Lock()
	c.audioActive = active
	c.mu.Unlock()
}

func (c *ParticipantContext) VideoActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.videoActive
}

func (c *ParticipantContext) SetVideoActive(active bool) {
	c.mu.Lock()
	c.videoActive = active
	c.mu.Unlock()
}

func (c *ParticipantContext) ScreenActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screenActive
}

func (c *ParticipantContext) SetScreenActive(active bool) {
	c.mu.Lock()
	c.screenActive = active
	c.mu.Unlock()
}

// SetVideoFrameConsumer registers the sink for remote video packets.
func (c *ParticipantContext) SetVideoFrameConsumer(fn func(*rtp.Packet)) {
	c.mu.Lock()
	c.videoFrameConsumer = fn
	c.mu.Unlock()
}

// PushVideoFrame hands a received video packet to the registered consumer.
func (c *ParticipantContext) PushVideoFrame(pkt *rtp.Packet) {
	c.mu.RLock()
	fn := c.videoFrameConsumer
	c.mu.RUnlock()
	if fn != nil {
		fn(pkt)
	}
}

func (c *ParticipantContext) SetTalkingConsumer(fn func(bool)) {
	c.mu.Lock()
	c.talkingConsumer = fn
	c.mu.Unlock()
}

// SetTalking records talking activity and notifies the consumer.
func (c *ParticipantContext) SetTalking(talking bool) {
	c.mu.Lock()
	if talking {
		c.lastTalking = time.Now()
	}
	fn := c.talkingConsumer
	c.mu.Unlock()
	if fn != nil {
		fn(talking)
	}
}

// LastTalking returns the time of the last talking activity, zero if none.
func (c *ParticipantContext) LastTalking() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastTalking
}
