package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBudget(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 5})
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, rl.allow("10.0.0.1"), "request %d should pass", i)
	}
	assert.False(t, rl.allow("10.0.0.1"), "budget exhausted")
}

func TestKeysAreIndependent(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"))
}

func TestRefill(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60})
	defer rl.Stop()
	rl.refillRate = 10 * time.Millisecond

	for i := 0; i < 60; i++ {
		rl.allow("10.0.0.1")
	}
	assert.False(t, rl.allow("10.0.0.1"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, rl.allow("10.0.0.1"), "tokens refill over time")
}
