package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/speechgate/internal/domain"
)

func TestSingleSpeakerPolicy(t *testing.T) {
	p := SingleSpeakerPolicy{}

	assert.Equal(t, Grant, p.OnSpeechRequest(nil))
	assert.Equal(t, RejectPending, p.OnSpeechRequest(&domain.Publisher{DisplayName: "Alice"}))
	assert.Equal(t, StopActive, p.OnSpeechRequest(&domain.Publisher{ID: 42, DisplayName: "Alice"}))

	joined := domain.Publisher{ID: 42, DisplayName: "Alice"}
	assert.Equal(t, KickJoin, p.OnPublisherJoined(nil, joined))
	assert.Equal(t, AcceptJoin, p.OnPublisherJoined(&domain.Publisher{DisplayName: "Alice"}, joined))
	assert.Equal(t, KickJoin, p.OnPublisherJoined(&domain.Publisher{ID: 7}, joined), "floor already taken")
}
