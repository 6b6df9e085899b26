package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.Failure()
	b.Failure()
	assert.True(t, b.Allow())

	b.Failure()
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := New(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.True(t, b.Allow(), "success resets the consecutive failure count")
}

func TestBreakerCooldownCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.Failure()
	assert.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.Allow())
	assert.True(t, b.Allow(), "breaker stays closed after cooldown")
}

func TestSetIsolatesKeys(t *testing.T) {
	s := NewSet(1, time.Minute)

	s.Failure("alpha")
	assert.False(t, s.Allow("alpha"))
	assert.True(t, s.Allow("beta"))

	states := s.States()
	assert.True(t, states["alpha"])
	assert.False(t, states["beta"])
}
