package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(5, 1.0/60.0)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("@alice:example.org"), "request %d should pass", i+1)
	}
	assert.False(t, l.Allow("@alice:example.org"), "6th request within the window must be throttled")
}

func TestLazyRefill(t *testing.T) {
	l := New(2, 0.5) // one token every 2s
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u"))
	assert.True(t, l.Allow("u"))
	assert.False(t, l.Allow("u"))

	now = now.Add(2 * time.Second)
	assert.True(t, l.Allow("u"), "one token refilled after 2s")
	assert.False(t, l.Allow("u"))
}

func TestIdleNeverExceedsCapacity(t *testing.T) {
	l := New(3, 10)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u"))

	// A week idle at 10 tokens/s would overflow wildly without the cap.
	now = now.Add(7 * 24 * time.Hour)
	assert.InDelta(t, 3, l.Tokens("u"), 0.001)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u"))
	}
	assert.False(t, l.Allow("u"))
}

func TestTokensNeverNegative(t *testing.T) {
	l := New(1, 0.01)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u"))
	for i := 0; i < 10; i++ {
		l.Allow("u")
	}
	assert.GreaterOrEqual(t, l.Tokens("u"), 0.0)
}

func TestBucketsAreIndependent(t *testing.T) {
	l := New(1, 0)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"), "bob's bucket is untouched by alice")
}
