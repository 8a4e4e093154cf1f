// Package ratelimit implements a token bucket for automatic outbound messages
package ratelimit

import (
	"math"
	"time"
)

// Bucket is a continuous token bucket. The stored value is the current
// consumption within the window ending at lastUpdate; it decays with
// wall-clock time and grows by one on every Send.
//
// State is process-local and not persisted.
type Bucket struct {
	lastUpdate   time.Time
	currentValue float64
	window       time.Duration
	quota        float64
}

// New returns a rate limiter that allows no more than quota messages
// within the duration window.
func New(window time.Duration, quota float64) *Bucket {
	return newAt(window, quota, time.Now())
}

func newAt(window time.Duration, quota float64, now time.Time) *Bucket {
	return &Bucket{
		lastUpdate:   now,
		currentValue: 0,
		window:       window,
		quota:        quota,
	}
}

// updateAt applies decay for the time elapsed since the last update.
// Negative elapsed times (clock jumps) are clamped to zero.
func (b *Bucket) updateAt(now time.Time) {
	rate := b.quota / b.window.Seconds()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.currentValue -= rate * elapsed
	if b.currentValue < 0 {
		b.currentValue = 0
	}
	b.lastUpdate = now
}

func (b *Bucket) canSendAt(now time.Time) bool {
	b.updateAt(now)
	return b.currentValue <= b.quota
}

// CanSend returns true if it is allowed to send a message now.
func (b *Bucket) CanSend() bool {
	return b.canSendAt(time.Now())
}

func (b *Bucket) sendAt(now time.Time) {
	b.updateAt(now)
	b.currentValue++
}

// Send increases the current usage value.
//
// It is possible to send a message even when over quota, e.g. when sending
// was initiated by the user and should not be rate limited. Sending while
// over quota further postpones the time when low priority messages are
// allowed again.
func (b *Bucket) Send() {
	b.sendAt(time.Now())
}

func (b *Bucket) untilCanSendAt(now time.Time) time.Duration {
	b.updateAt(now)
	if b.currentValue <= b.quota {
		return 0
	}
	requirement := b.currentValue - b.quota
	rate := b.quota / b.window.Seconds()
	return time.Duration(math.Round(requirement / rate * float64(time.Second)))
}

// UntilCanSend calculates the time until CanSend will return true.
func (b *Bucket) UntilCanSend() time.Duration {
	return b.untilCanSendAt(time.Now())
}
