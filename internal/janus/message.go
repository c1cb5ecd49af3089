// Package janus implements the subset of the Janus gateway JSON protocol
// spoken to the video room plugin.
//
// Every inbound message is decoded once into a Message whose Kind tags the
// concrete event. Messages carrying a sender are scoped to a plugin handle;
// everything else is scoped to the session.
package janus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/speechgate/internal/domain"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindSuccess
	KindError
	KindServerInfo
	KindSessionTimeout
	KindDetached
	KindWebRTCUp
	KindMedia
	KindHangup
	KindSlowLink
	KindTrickle
	KindPluginError
	KindRoomCreated
	KindRoomDestroyed
	KindRoomJoined
	KindRoomAttached
	KindRoomEvent
	KindPublisherJoining
	KindPublisherJoined
	KindPublisherLeft
	KindTalking
	KindStoppedTalking
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindAck:              "ack",
	KindSuccess:          "success",
	KindError:            "error",
	KindServerInfo:       "server_info",
	KindSessionTimeout:   "timeout",
	KindDetached:         "detached",
	KindWebRTCUp:         "webrtcup",
	KindMedia:            "media",
	KindHangup:           "hangup",
	KindSlowLink:         "slowlink",
	KindTrickle:          "trickle",
	KindPluginError:      "plugin_error",
	KindRoomCreated:      "room_created",
	KindRoomDestroyed:    "room_destroyed",
	KindRoomJoined:       "room_joined",
	KindRoomAttached:     "room_attached",
	KindRoomEvent:        "room_event",
	KindPublisherJoining: "publisher_joining",
	KindPublisherJoined:  "publisher_joined",
	KindPublisherLeft:    "publisher_left",
	KindTalking:          "talking",
	KindStoppedTalking:   "stopped_talking",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var ErrEmptyMessage = errors.New("janus: empty message type")

// Jsep is an SDP carried alongside a request or event.
type Jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a trickled ICE candidate, or the end-of-candidates marker.
type Candidate struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool    `json:"completed,omitempty"`
}

// Message is the decoded form of any inbound gateway message.
type Message struct {
	Kind        Kind
	Transaction string
	SessionID   uint64
	// Sender is the plugin handle the message is addressed from; zero for
	// session scoped messages.
	Sender uint64
	Plugin string

	// ID is the id carried by a success response (session/handle) or the
	// publisher id assigned on room join.
	ID   uint64
	Room uint64
	// Publishers lists announced room publishers (joined response, joined event).
	Publishers  []domain.Publisher
	Publisher   *domain.Publisher
	PublisherID uint64
	// Result holds the video room outcome field (configured, started, ...).
	Result string

	Jsep      *Jsep
	Candidate *Candidate
	Err       *Error

	SessionTimeout time.Duration

	MediaType string
	Mid       string
	Receiving bool
	Uplink    bool
	Lost      int
	Reason    string
}

// IsPluginScoped reports whether the message targets a specific plugin handle.
func (m *Message) IsPluginScoped() bool { return m.Sender != 0 }

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type envelope struct {
	Janus          string          `json:"janus"`
	Transaction    string          `json:"transaction"`
	SessionID      uint64          `json:"session_id"`
	Sender         uint64          `json:"sender"`
	Data           json.RawMessage `json:"data"`
	Error          *Error          `json:"error"`
	PluginData     *pluginData     `json:"plugindata"`
	Jsep           *Jsep           `json:"jsep"`
	Candidate      *Candidate      `json:"candidate"`
	SessionTimeout int             `json:"session-timeout"`
	Type           string          `json:"type"`
	Mid            string          `json:"mid"`
	Receiving      bool            `json:"receiving"`
	Uplink         bool            `json:"uplink"`
	Lost           int             `json:"lost"`
	Reason         string          `json:"reason"`
}

type roomData struct {
	VideoRoom   string             `json:"videoroom"`
	Room        uint64             `json:"room"`
	ID          uint64             `json:"id"`
	ErrorCode   int                `json:"error_code"`
	Error       string             `json:"error"`
	Publishers  []domain.Publisher `json:"publishers"`
	Joining     *domain.Publisher  `json:"joining"`
	Leaving     json.RawMessage    `json:"leaving"`
	Unpublished json.RawMessage    `json:"unpublished"`
	Kicked      uint64             `json:"kicked"`
	Configured  string             `json:"configured"`
	Started     string             `json:"started"`
}

// Decode parses one inbound gateway message.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("janus: decode envelope: %w", err)
	}
	if env.Janus == "" {
		return nil, ErrEmptyMessage
	}
	m := &Message{
		Transaction: env.Transaction,
		SessionID:   env.SessionID,
		Sender:      env.Sender,
		Jsep:        env.Jsep,
		Candidate:   env.Candidate,
	}
	switch env.Janus {
	case "ack":
		m.Kind = KindAck
	case "success":
		if env.PluginData != nil {
			return m, decodePlugin(m, env.PluginData)
		}
		m.Kind = KindSuccess
		if len(env.Data) > 0 {
			var d struct {
				ID uint64 `json:"id"`
			}
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return nil, fmt.Errorf("janus: decode success data: %w", err)
			}
			m.ID = d.ID
		}
	case "error":
		m.Kind = KindError
		m.Err = env.Error
		if m.Err == nil {
			m.Err = &Error{Code: ErrUnknown, Reason: "unspecified"}
		}
	case "server_info":
		m.Kind = KindServerInfo
		m.SessionTimeout = time.Duration(env.SessionTimeout) * time.Second
	case "timeout":
		m.Kind = KindSessionTimeout
	case "detached":
		m.Kind = KindDetached
	case "webrtcup":
		m.Kind = KindWebRTCUp
	case "media":
		m.Kind = KindMedia
		m.MediaType = env.Type
		m.Mid = env.Mid
		m.Receiving = env.Receiving
	case "hangup":
		m.Kind = KindHangup
		m.Reason = env.Reason
	case "slowlink":
		m.Kind = KindSlowLink
		m.Uplink = env.Uplink
		m.Lost = env.Lost
	case "trickle":
		m.Kind = KindTrickle
	case "event":
		if env.PluginData == nil {
			m.Kind = KindUnknown
			return m, nil
		}
		return m, decodePlugin(m, env.PluginData)
	default:
		m.Kind = KindUnknown
	}
	return m, nil
}

func decodePlugin(m *Message, pd *pluginData) error {
	m.Plugin = pd.Plugin
	var d roomData
	if len(pd.Data) > 0 {
		if err := json.Unmarshal(pd.Data, &d); err != nil {
			return fmt.Errorf("janus: decode plugin data: %w", err)
		}
	}
	m.Room = d.Room
	if d.ErrorCode != 0 {
		m.Kind = KindPluginError
		m.Err = &Error{Code: d.ErrorCode, Reason: d.Error}
		return nil
	}
	switch d.VideoRoom {
	case "created":
		m.Kind = KindRoomCreated
	case "destroyed":
		m.Kind = KindRoomDestroyed
	case "joined":
		m.Kind = KindRoomJoined
		m.ID = d.ID
		m.Publishers = d.Publishers
	case "attached", "updated":
		m.Kind = KindRoomAttached
	case "talking":
		m.Kind = KindTalking
		m.PublisherID = d.ID
	case "stopped-talking":
		m.Kind = KindStoppedTalking
		m.PublisherID = d.ID
	case "event":
		decodeRoomEvent(m, &d)
	default:
		m.Kind = KindRoomEvent
		m.Result = d.VideoRoom
	}
	return nil
}

func decodeRoomEvent(m *Message, d *roomData) {
	switch {
	case d.Joining != nil:
		m.Kind = KindPublisherJoining
		m.Publisher = d.Joining
	case len(d.Publishers) > 0:
		m.Kind = KindPublisherJoined
		m.Publishers = d.Publishers
	case feedID(d.Leaving) != 0:
		m.Kind = KindPublisherLeft
		m.PublisherID = feedID(d.Leaving)
	case feedID(d.Unpublished) != 0:
		m.Kind = KindPublisherLeft
		m.PublisherID = feedID(d.Unpublished)
	default:
		m.Kind = KindRoomEvent
		switch {
		case d.Configured != "":
			m.Result = "configured"
		case d.Started != "":
			m.Result = "started"
		case string(d.Leaving) != "":
			m.Result = "left"
		default:
			m.Result = "event"
		}
	}
}

// feedID reads a leaving/unpublished field which is either a feed id or "ok".
func feedID(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0
	}
	return id
}
