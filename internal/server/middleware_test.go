package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"pokebattle-server/internal/protocol"
)

// manualClock is a settable time source.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *manualClock {
	return &manualClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter := NewRateLimiter(10, time.Second)

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Allow("conn-1"), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow("conn-1"), "11th request should be denied")
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	clock := newClock()
	limiter := NewRateLimiter(2, 100*time.Millisecond)
	limiter.now = clock.now

	assert.True(t, limiter.Allow("conn"))
	clock.advance(60 * time.Millisecond)
	assert.True(t, limiter.Allow("conn"))
	assert.False(t, limiter.Allow("conn"))

	// The first request falls out of the window, the second does not
	clock.advance(50 * time.Millisecond)
	assert.True(t, limiter.Allow("conn"))
	assert.False(t, limiter.Allow("conn"))
}

func TestRateLimiter_PerConnection(t *testing.T) {
	limiter := NewRateLimiter(5, time.Second)

	for i := 0; i < 5; i++ {
		limiter.Allow("conn-1")
	}

	assert.False(t, limiter.Allow("conn-1"))
	assert.True(t, limiter.Allow("conn-2"), "other connections keep their own budget")
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter := NewRateLimiter(0, time.Second)

	for i := 0; i < 1000; i++ {
		assert.True(t, limiter.Allow("conn"))
	}
	assert.Equal(t, 0, limiter.tracked())
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := newClock()
	limiter := NewRateLimiter(5, time.Second)
	limiter.now = clock.now

	limiter.Allow("old")
	clock.advance(2 * time.Second)
	limiter.Allow("fresh")

	limiter.Cleanup()

	assert.Equal(t, 1, limiter.tracked())
	limiter.RemoveConnection("fresh")
	assert.Equal(t, 0, limiter.tracked())
}

func TestConnectionHealth(t *testing.T) {
	assert := assert.New(t)
	clock := newClock()
	health := NewConnectionHealth()
	health.now = clock.now

	assert.False(health.IsInactive("unknown", time.Second), "untracked connections are not inactive")

	health.UpdateActivity("quiet")
	clock.advance(10 * time.Second)
	health.UpdateActivity("chatty")

	assert.True(health.IsInactive("quiet", 5*time.Second))
	assert.False(health.IsInactive("chatty", 5*time.Second))
	assert.Equal([]string{"quiet"}, health.GetInactiveConnections(5*time.Second))

	health.RemoveConnection("quiet")
	assert.Empty(health.GetInactiveConnections(5 * time.Second))
}

func TestValidateClientKind(t *testing.T) {
	accepted := []protocol.Kind{
		protocol.KindConnectRequest,
		protocol.KindPlayerJoin,
		protocol.KindTeamSelectionComplete,
		protocol.KindMoveExecute,
		protocol.KindRematchRequest,
		protocol.KindHeartbeat,
		protocol.KindDisconnect,
		protocol.KindServerStatus,
	}
	for _, kind := range accepted {
		assert.NoError(t, ValidateClientKind(kind), kind)
	}

	rejected := []protocol.Kind{
		protocol.KindBattleEnd,
		protocol.KindMoveResult,
		protocol.KindTeamSelectionRestart,
		protocol.KindRematchResponse,
		"SELF_DESTRUCT",
		"",
	}
	for _, kind := range rejected {
		assert.ErrorContains(t, ValidateClientKind(kind), "INVALID_MESSAGE_KIND", kind)
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"simple", "Ash", false},
		{"max length", strings.Repeat("a", 20), false},
		{"multibyte at max length", strings.Repeat("é", 20), false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"too long", strings.Repeat("a", 21), true},
		{"control character", "Ash\n", true},
		{"reserved", "server", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if tt.wantErr {
				assert.ErrorContains(t, err, "USERNAME_INVALID")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
