package delta

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while cache writes are being rejected.
var ErrCircuitOpen = errors.New("cache circuit breaker is open")

// BreakerState is the breaker position.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // writes pass through
	BreakerOpen     BreakerState = 1 // writes rejected immediately
	BreakerHalfOpen BreakerState = 2 // one probe write allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker shields the relay loop from a failing document cache. After
// maxFailures consecutive write errors it opens and fails fast for
// resetTimeout, then lets one probe write through.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time

	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{maxFailures: maxFailures, resetTimeout: resetTimeout, state: BreakerClosed}
}

// Execute runs one cache write through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) > b.resetTimeout {
			b.transition(BreakerHalfOpen)
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return err
	}
	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return nil
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
