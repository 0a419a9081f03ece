// Package resilience guards outbound tool-agent calls with a circuit
// breaker so a dead agent sheds load instead of tying up consumers.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker trips after a run of consecutive failures and rejects calls
// for a cool-down window. The window is derived from openUntil rather
// than a state flag: once it has passed, the next call probes the
// service, and a failed probe re-arms the window.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	openUntil   time.Time // zero while closed
	probing     bool
	now         func() time.Time // for testing
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and stays open for timeout before allowing a probe.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: maxFailures,
		cooldown:  timeout,
		now:       time.Now,
	}
}

// Execute runs fn unless the breaker is rejecting calls.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.consecutive++
		if b.probing || b.consecutive >= b.threshold {
			b.openUntil = b.now().Add(b.cooldown)
			b.probing = false
		}
		return err
	}

	b.consecutive = 0
	b.openUntil = time.Time{}
	b.probing = false
	return nil
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	b.probing = true
	return true
}
