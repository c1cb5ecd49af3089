package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownAction = errors.New("unknown stream action")

// StreamAction is an application-level event carried over the data channel.
type StreamAction interface {
	ActionType() string
}

const ActionSpeechPublished = "speech-published"

// SpeechPublishedAction tells passive participants that a remote speaker is live.
type SpeechPublishedAction struct {
	PublisherID uint64 `json:"publisher_id"`
	DisplayName string `json:"display_name"`
}

func (SpeechPublishedAction) ActionType() string { return ActionSpeechPublished }

// RawAction carries actions recorded elsewhere whose payload is opaque here.
type RawAction struct {
	Type    string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (a RawAction) ActionType() string { return a.Type }

type actionEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func EncodeAction(a StreamAction) ([]byte, error) {
	var payload json.RawMessage
	if raw, ok := a.(RawAction); ok {
		payload = raw.Payload
	} else {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", a.ActionType(), err)
		}
		payload = b
	}
	return json.Marshal(actionEnvelope{Type: a.ActionType(), Payload: payload})
}

func DecodeAction(data []byte) (StreamAction, error) {
	var env actionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	switch env.Type {
	case "":
		return nil, ErrUnknownAction
	case ActionSpeechPublished:
		var a SpeechPublishedAction
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return a, nil
	default:
		return RawAction{Type: env.Type, Payload: env.Payload}, nil
	}
}
