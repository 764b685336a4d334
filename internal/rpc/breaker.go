package rpc

import (
	"sync"
	"time"

	"github.com/parityleague/backend/internal/protocol"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker is a per-endpoint circuit breaker. CLOSED trips to OPEN after a
// run of consecutive failures; OPEN fails fast until the reset window
// elapses; HALF_OPEN admits exactly one probe.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	probing   bool
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// NewBreaker builds a breaker that opens after threshold consecutive
// failures and stays open for openFor.
func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. While OPEN it returns E016
// without any network I/O. After the open window one probe is admitted.
func (b *Breaker) Allow() *protocol.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.openFor {
			return protocol.NewError(protocol.CodeCircuitOpen, "circuit open for endpoint")
		}
		b.state = breakerHalfOpen
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return protocol.NewError(protocol.CodeCircuitOpen, "circuit half-open, probe in flight")
		}
		b.probing = true
		return nil
	}
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed call. A failed half-open probe re-opens the
// breaker and restarts the window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = b.now()
	}
}

// BreakerSet holds one breaker per remote endpoint, shared by every call
// site in the process that targets that endpoint.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	openFor   time.Duration
}

// NewBreakerSet builds an empty set with shared settings.
func NewBreakerSet(threshold int, openFor time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		openFor:   openFor,
	}
}

// For returns the breaker for endpoint, creating it on first use.
func (s *BreakerSet) For(endpoint string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[endpoint]
	if !ok {
		b = NewBreaker(s.threshold, s.openFor)
		s.breakers[endpoint] = b
	}
	return b
}
