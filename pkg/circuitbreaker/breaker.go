package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker trips after threshold consecutive failures and closes again once
// the cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	open      bool
	openedAt  time.Time
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown closes and admits traffic again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) > b.cooldown {
		b.open = false
		b.failures = 0
		return true
	}
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		if !b.open {
			b.openedAt = time.Now()
		}
		b.open = true
	}
}

// State returns a snapshot for monitoring.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}

// Set keys breakers by an arbitrary string, one per upstream provider.
type Set struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
}

func NewSet(threshold int, cooldown time.Duration) *Set {
	return &Set{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (s *Set) get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[key]; ok {
		return b
	}
	b = New(s.threshold, s.cooldown)
	s.breakers[key] = b
	return b
}

func (s *Set) Allow(key string) bool { return s.get(key).Allow() }
func (s *Set) Success(key string)    { s.get(key).Success() }
func (s *Set) Failure(key string)    { s.get(key).Failure() }

// States reports every breaker's state keyed by provider.
func (s *Set) States() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.breakers))
	for key, b := range s.breakers {
		open, _ := b.State()
		out[key] = open
	}
	return out
}
