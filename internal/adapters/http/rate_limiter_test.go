package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterForgetsIdleTokens(t *testing.T) {
	rl := NewRateLimiter(1, 30*time.Millisecond)
	for _, token := range []string{"a", "b", "c"} {
		assert.True(t, rl.Allow(token))
	}
	assert.Equal(t, 3, rl.Tracked())

	time.Sleep(40 * time.Millisecond)
	assert.True(t, rl.Allow("d"))
	assert.Equal(t, 1, rl.Tracked())
}
