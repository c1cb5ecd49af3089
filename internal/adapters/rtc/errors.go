package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrClosed        = errors.New("peer connection closed")
	ErrNoDataChannel = errors.New("data channel not open")
)

type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaCamera MediaKind = "camera"
	MediaScreen MediaKind = "screen"
)

// MediaError reports a local track that could not be started.
type MediaError struct {
	Kind MediaKind
	Msg  string
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }
