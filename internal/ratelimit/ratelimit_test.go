package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRatelimit(t *testing.T) {
	now := time.Now()

	b := newAt(60*time.Second, 3.0, now)
	assert.True(t, b.canSendAt(now))

	// Send burst of 3 messages.
	b.sendAt(now)
	assert.True(t, b.canSendAt(now))
	b.sendAt(now)
	assert.True(t, b.canSendAt(now))
	b.sendAt(now)
	assert.True(t, b.canSendAt(now))
	b.sendAt(now)

	// Can't send more messages now.
	assert.False(t, b.canSendAt(now))

	// Can send one more message 20 seconds later.
	assert.Equal(t, 20*time.Second, b.untilCanSendAt(now))
	now = now.Add(20 * time.Second)
	assert.True(t, b.canSendAt(now))
	b.sendAt(now)
	assert.False(t, b.canSendAt(now))

	// Send one more message anyway, over quota.
	b.sendAt(now)

	// Waiting 20 seconds is not enough.
	now = now.Add(20 * time.Second)
	assert.False(t, b.canSendAt(now))

	// Can send another message after 40 seconds.
	now = now.Add(20 * time.Second)
	assert.True(t, b.canSendAt(now))
}

func TestRatelimitClockJumpsBackwards(t *testing.T) {
	now := time.Now()
	b := newAt(60*time.Second, 3.0, now)

	b.sendAt(now)
	b.sendAt(now)
	b.sendAt(now)
	b.sendAt(now)
	assert.False(t, b.canSendAt(now))

	// A clock jumping backwards must not refill the bucket.
	earlier := now.Add(-5 * time.Minute)
	assert.False(t, b.canSendAt(earlier))
}

func TestUntilCanSendMonotone(t *testing.T) {
	now := time.Now()
	b := newAt(60*time.Second, 3.0, now)
	for i := 0; i < 5; i++ {
		b.sendAt(now)
	}

	prev := b.untilCanSendAt(now)
	for i := 1; i <= 10; i++ {
		cur := b.untilCanSendAt(now.Add(time.Duration(i) * time.Second))
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}
