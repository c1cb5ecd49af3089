// Package state holds the gateway protocol state machine shared by every
// handler. Transition is pure: it returns the next state and the effects the
// caller has to execute, in order.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/speechgate/internal/domain"
	"github.com/dkeye/speechgate/internal/janus"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrMissingJsep    = errors.New("response without jsep")
)

type Step int

const (
	StepIdle Step = iota
	StepInfo
	StepCreateSession
	StepAttachPlugin
	StepCreateRoom
	StepJoinPublisher
	StepPublish
	StepJoinSubscriber
	StepStartSubscriber
	StepReady
	StepFailed
)

var stepNames = [...]string{
	StepIdle:            "idle",
	StepInfo:            "info",
	StepCreateSession:   "create_session",
	StepAttachPlugin:    "attach_plugin",
	StepCreateRoom:      "create_room",
	StepJoinPublisher:   "join_publisher",
	StepPublish:         "publish",
	StepJoinSubscriber:  "join_subscriber",
	StepStartSubscriber: "start_subscriber",
	StepReady:           "ready",
	StepFailed:          "failed",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Chain is the ordered list of steps a handler walks through before Ready.
type Chain []Step

var (
	SessionChain    = Chain{StepInfo, StepCreateSession, StepAttachPlugin}
	PublisherChain  = Chain{StepAttachPlugin, StepCreateRoom, StepJoinPublisher, StepPublish}
	SubscriberChain = Chain{StepAttachPlugin, StepJoinSubscriber, StepStartSubscriber}
)

// State is the current position of one handler in its chain.
type State struct {
	Chain Chain
	Index int
	Step  Step
	// Transaction is the id of the awaited response, empty when nothing is
	// awaited.
	Transaction string
	Attempts    int
	Pending     *janus.Request
}

// Awaits reports whether tx is the transaction the state is waiting for.
func (s State) Awaits(tx string) bool {
	return tx != "" && s.Transaction == tx
}

// Context is the handler data requests are built from.
type Context struct {
	SessionID uint64
	PluginID  uint64

	RoomID         uint64
	RoomSecret     string
	RoomPin        string
	RoomPublishers int
	RoomBitrate    int
	OpaqueID       string
	DisplayName    string
	// Feed is the publisher a subscriber attaches to.
	Feed uint64

	Retries        int
	NewTransaction func() string
}

func (c *Context) tx() string {
	if c.NewTransaction != nil {
		return c.NewTransaction()
	}
	return janus.NewTransaction()
}

// LocalDescription is a local SDP the peer connection has applied.
type LocalDescription struct {
	Jsep    janus.Jsep
	Streams []janus.StreamDescription
}

// Event is one input of the state machine; exactly one field is set.
type Event struct {
	Message *janus.Message
	Local   *LocalDescription
	// Timeout names the transaction whose response did not arrive in time.
	Timeout string
}

type Effect interface{ effect() }

type (
	// Send hands a request to the transmitter. Await arms a response timer.
	Send struct {
		Request *janus.Request
		Await   bool
	}
	SetSessionTimeout struct{ Timeout time.Duration }
	SetSessionID      struct{ ID uint64 }
	SetPluginID       struct{ ID uint64 }
	SetPublisherID    struct {
		ID         uint64
		Publishers []domain.Publisher
	}
	// SetupPublisherMedia creates the publishing peer connection, which
	// answers with a Local event carrying its offer.
	SetupPublisherMedia struct{}
	ApplyRemoteSDP      struct{ Jsep janus.Jsep }
	ChainComplete       struct{}
	Fail                struct{ Err error }
)

func (Send) effect()                {}
func (SetSessionTimeout) effect()   {}
func (SetSessionID) effect()        {}
func (SetPluginID) effect()         {}
func (SetPublisherID) effect()      {}
func (SetupPublisherMedia) effect() {}
func (ApplyRemoteSDP) effect()      {}
func (ChainComplete) effect()       {}
func (Fail) effect()                {}
