package core

import "github.com/dkeye/speechgate/internal/janus"

// Frame is a raw encoded message.
type Frame []byte

// SignalConnection abstracts a non-blocking outbound message channel.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Transmitter hands requests to the gateway transport. Send never blocks and
// reports nothing: delivery failures are the transport's concern.
type Transmitter interface {
	Send(*janus.Request)
}
