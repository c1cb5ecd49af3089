package domain

type PeerState int

const (
	PeerStarting PeerState = iota
	PeerStarted
	PeerStopped
)

func (s PeerState) String() string {
	switch s {
	case PeerStarting:
		return "starting"
	case PeerStarted:
		return "started"
	case PeerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s PeerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PeerStateEvent reports a participant lifecycle change to the embedder.
type PeerStateEvent struct {
	RequestID   string    `json:"request_id,omitempty"`
	PeerID      uint64    `json:"peer_id"`
	DisplayName string    `json:"display_name"`
	State       PeerState `json:"state"`
	HasVideo    bool      `json:"has_video"`
}

// NewPeerStateEvent snapshots a participant context.
func NewPeerStateEvent(c *ParticipantContext, state PeerState) PeerStateEvent {
	return PeerStateEvent{
		RequestID:   c.RequestID(),
		PeerID:      c.PeerID(),
		DisplayName: c.DisplayName(),
		State:       state,
		HasVideo:    c.VideoActive(),
	}
}
