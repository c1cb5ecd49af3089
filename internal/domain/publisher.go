package domain

import "slices"

type StreamType string

const (
	StreamAudio StreamType = "audio"
	StreamVideo StreamType = "video"
	StreamData  StreamType = "data"
)

// PublisherStream is one media line of a room publisher.
type PublisherStream struct {
	Type StreamType `json:"type"`
	Mid  string     `json:"mid"`
}

// Publisher is either a room participant announced by the gateway or a
// pending speech request. A pending request has a zero ID until the gateway
// confirms the join; the gateway never hands out zero ids.
type Publisher struct {
	ID          uint64            `json:"id"`
	DisplayName string            `json:"display"`
	Streams     []PublisherStream `json:"streams,omitempty"`
}

func (p *Publisher) Confirmed() bool { return p.ID != 0 }

// Confirm fills in the ids the gateway assigned on join.
func (p *Publisher) Confirm(id uint64, streams []PublisherStream) {
	p.ID = id
	p.Streams = slices.Clone(streams)
}

// StreamMid returns the mid of the first stream of the given type.
func (p *Publisher) StreamMid(t StreamType) (string, bool) {
	for _, s := range p.Streams {
		if s.Type == t {
			return s.Mid, true
		}
	}
	return "", false
}
