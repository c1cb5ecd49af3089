package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDisplayName(t *testing.T) {
	name, err := NormalizeDisplayName("  Alice  ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)

	_, err = NormalizeDisplayName(" \t")
	assert.ErrorIs(t, err, ErrDisplayNameEmpty)

	_, err = NormalizeDisplayName(strings.Repeat("a", MaxDisplayNameLen+1))
	assert.ErrorIs(t, err, ErrDisplayNameTooLong)
}

func TestPublisherConfirm(t *testing.T) {
	p := Publisher{DisplayName: "Alice"}
	assert.False(t, p.Confirmed())
	_, ok := p.StreamMid(StreamAudio)
	assert.False(t, ok)

	streams := []PublisherStream{{Type: StreamAudio, Mid: "0"}, {Type: StreamVideo, Mid: "1"}}
	p.Confirm(42, streams)
	streams[1].Mid = "changed"

	assert.True(t, p.Confirmed())
	mid, ok := p.StreamMid(StreamVideo)
	require.True(t, ok)
	assert.Equal(t, "1", mid)
}

func TestStreamActionCodec(t *testing.T) {
	data, err := EncodeAction(SpeechPublishedAction{PublisherID: 42, DisplayName: "Alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"speech-published","payload":{"publisher_id":42,"display_name":"Alice"}}`, string(data))

	a, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, SpeechPublishedAction{PublisherID: 42, DisplayName: "Alice"}, a)

	a, err = DecodeAction([]byte(`{"type":"pointer","payload":{"x":1}}`))
	require.NoError(t, err)
	raw, ok := a.(RawAction)
	require.True(t, ok)
	assert.Equal(t, "pointer", raw.ActionType())
	assert.JSONEq(t, `{"x":1}`, string(raw.Payload))

	_, err = DecodeAction([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownAction)
	_, err = DecodeAction([]byte(`nope`))
	assert.Error(t, err)
}

func TestParticipantTalking(t *testing.T) {
	c := NewParticipantContext(7, "Bob")
	c.SetRequestID("r1")
	c.SetVideoActive(true)

	var got []bool
	c.SetTalkingConsumer(func(b bool) { got = append(got, b) })
	assert.True(t, c.LastTalking().IsZero())

	c.SetTalking(true)
	at := c.LastTalking()
	assert.False(t, at.IsZero())
	c.SetTalking(false)
	assert.Equal(t, at, c.LastTalking())
	assert.Equal(t, []bool{true, false}, got)

	ev := NewPeerStateEvent(c, PeerStarted)
	assert.Equal(t, PeerStateEvent{RequestID: "r1", PeerID: 7, DisplayName: "Bob", State: PeerStarted, HasVideo: true}, ev)
}
