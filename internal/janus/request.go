package janus

import "github.com/google/uuid"

const VideoRoomPlugin = "janus.plugin.videoroom"

// Request is an outbound gateway envelope.
type Request struct {
	Janus       string `json:"janus"`
	SessionID   uint64 `json:"session_id,omitempty"`
	HandleID    uint64 `json:"handle_id,omitempty"`
	Transaction string `json:"transaction"`
	Plugin      string `json:"plugin,omitempty"`
	OpaqueID    string `json:"opaque_id,omitempty"`
	Body        any    `json:"body,omitempty"`
	Jsep        *Jsep  `json:"jsep,omitempty"`
	Candidate   any    `json:"candidate,omitempty"`
}

// NewTransaction returns a fresh transaction id.
func NewTransaction() string { return uuid.NewString() }

func NewInfo(tx string) *Request {
	return &Request{Janus: "info", Transaction: tx}
}

func NewCreateSession(tx string) *Request {
	return &Request{Janus: "create", Transaction: tx}
}

func NewAttach(tx string, sessionID uint64, opaqueID string) *Request {
	return &Request{
		Janus:       "attach",
		SessionID:   sessionID,
		Transaction: tx,
		Plugin:      VideoRoomPlugin,
		OpaqueID:    opaqueID,
	}
}

func NewKeepAlive(tx string, sessionID uint64) *Request {
	return &Request{Janus: "keepalive", SessionID: sessionID, Transaction: tx}
}

func NewDestroySession(tx string, sessionID uint64) *Request {
	return &Request{Janus: "destroy", SessionID: sessionID, Transaction: tx}
}

func NewDetach(tx string, sessionID, handleID uint64) *Request {
	return &Request{Janus: "detach", SessionID: sessionID, HandleID: handleID, Transaction: tx}
}

// NewPluginMessage wraps a video room body addressed to one handle.
func NewPluginMessage(tx string, sessionID, handleID uint64, body any, jsep *Jsep) *Request {
	return &Request{
		Janus:       "message",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: tx,
		Body:        body,
		Jsep:        jsep,
	}
}

func NewTrickle(tx string, sessionID, handleID uint64, c *Candidate) *Request {
	return &Request{
		Janus:       "trickle",
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: tx,
		Candidate:   c,
	}
}

// NewTrickleCompleted signals the end of local candidates.
func NewTrickleCompleted(tx string, sessionID, handleID uint64) *Request {
	return NewTrickle(tx, sessionID, handleID, &Candidate{Completed: true})
}

// Video room request bodies.

type CreateRoom struct {
	Request       string `json:"request"`
	Room          uint64 `json:"room,omitempty"`
	Description   string `json:"description,omitempty"`
	Secret        string `json:"secret,omitempty"`
	Pin           string `json:"pin,omitempty"`
	Publishers    int    `json:"publishers,omitempty"`
	Bitrate       int    `json:"bitrate,omitempty"`
	NotifyJoining bool   `json:"notify_joining"`
	AudioLevelEvt bool   `json:"audiolevel_event"`
	IsPrivate     bool   `json:"is_private"`
}

func NewCreateRoom(room uint64, secret, pin string, publishers, bitrate int) CreateRoom {
	return CreateRoom{
		Request:       "create",
		Room:          room,
		Secret:        secret,
		Pin:           pin,
		Publishers:    publishers,
		Bitrate:       bitrate,
		NotifyJoining: true,
		AudioLevelEvt: true,
	}
}

type JoinPublisher struct {
	Request string `json:"request"`
	PType   string `json:"ptype"`
	Room    uint64 `json:"room"`
	Display string `json:"display,omitempty"`
	Pin     string `json:"pin,omitempty"`
}

func NewJoinPublisher(room uint64, display, pin string) JoinPublisher {
	return JoinPublisher{Request: "join", PType: "publisher", Room: room, Display: display, Pin: pin}
}

// StreamDescription labels one published media line.
type StreamDescription struct {
	Mid         string `json:"mid"`
	Description string `json:"description"`
}

type Publish struct {
	Request      string              `json:"request"`
	Descriptions []StreamDescription `json:"descriptions,omitempty"`
}

func NewPublish(desc []StreamDescription) Publish {
	return Publish{Request: "publish", Descriptions: desc}
}

// NewConfigure is the renegotiation variant of publish.
func NewConfigure(desc []StreamDescription) Publish {
	return Publish{Request: "configure", Descriptions: desc}
}

type SubscribeStream struct {
	Feed uint64 `json:"feed"`
	Mid  string `json:"mid,omitempty"`
}

type JoinSubscriber struct {
	Request string            `json:"request"`
	PType   string            `json:"ptype"`
	Room    uint64            `json:"room"`
	Pin     string            `json:"pin,omitempty"`
	Streams []SubscribeStream `json:"streams"`
}

func NewJoinSubscriber(room uint64, pin string, feed uint64) JoinSubscriber {
	return JoinSubscriber{
		Request: "join",
		PType:   "subscriber",
		Room:    room,
		Pin:     pin,
		Streams: []SubscribeStream{{Feed: feed}},
	}
}

type Start struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
}

func NewStart(room uint64) Start { return Start{Request: "start", Room: room} }

type EditRoom struct {
	Request       string `json:"request"`
	Room          uint64 `json:"room"`
	Secret        string `json:"secret,omitempty"`
	NewPublishers int    `json:"new_publishers"`
}

func NewEditRoom(room uint64, secret string, publishers int) EditRoom {
	return EditRoom{Request: "edit", Room: room, Secret: secret, NewPublishers: publishers}
}

type Kick struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
	Secret  string `json:"secret,omitempty"`
	ID      uint64 `json:"id"`
}

func NewKick(room uint64, secret string, id uint64) Kick {
	return Kick{Request: "kick", Room: room, Secret: secret, ID: id}
}

type Moderate struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
	Secret  string `json:"secret,omitempty"`
	ID      uint64 `json:"id"`
	Mid     string `json:"mid"`
	Mute    bool   `json:"mute"`
}

func NewModerate(room uint64, secret string, id uint64, mid string, mute bool) Moderate {
	return Moderate{Request: "moderate", Room: room, Secret: secret, ID: id, Mid: mid, Mute: mute}
}

type Leave struct {
	Request string `json:"request"`
}

func NewLeave() Leave { return Leave{Request: "leave"} }

type DestroyRoom struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
	Secret  string `json:"secret,omitempty"`
}

func NewDestroyRoom(room uint64, secret string) DestroyRoom {
	return DestroyRoom{Request: "destroy", Room: room, Secret: secret}
}
