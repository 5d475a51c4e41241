package gateway

import (
	"context"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
)

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerStatus is a read-only snapshot for observability.
type BreakerStatus struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	FastFailures        int64        `json:"fast_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	NextRetry           time.Time    `json:"next_retry,omitempty"`
}

// CircuitBreaker is the single shared state machine gating all Gateway calls.
// Only transient failures count against it; a semantic rejection means the
// gateway answered and resets the failure streak.
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          config.BreakerConfig
	state        BreakerState
	failures     int
	successes    int
	fastFailures int64
	openedAt     time.Time
	forcedOpen   bool
	now          func() time.Time
}

func NewCircuitBreaker(cfg config.BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs fn unless the circuit is open, in which case it fails fast
// with domain.ErrCircuitOpen without invoking fn.
func (b *CircuitBreaker) Execute(op string, fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if !b.forcedOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = StateHalfOpen
		b.successes = 0
		return nil
	}
	b.fastFailures++
	return domain.ErrCircuitOpen
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.forcedOpen {
		return
	}

	if err != nil && domain.Retryable(err) {
		b.successes = 0
		switch b.state {
		case StateHalfOpen:
			b.trip()
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.trip()
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *CircuitBreaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.openedAt = b.now()
}

// ForceOpen latches the circuit open until ForceClose, bypassing the normal
// transition rules.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forcedOpen = true
	b.state = StateOpen
	b.openedAt = b.now()
}

// ForceClose clears any override and resets the breaker to closed.
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forcedOpen = false
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := BreakerStatus{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		FastFailures:        b.fastFailures,
	}
	if b.state == StateOpen {
		status.OpenedAt = b.openedAt
		if !b.forcedOpen {
			status.NextRetry = b.openedAt.Add(b.cfg.OpenTimeout)
		}
	}
	return status
}

// BreakerGateway decorates an AuctionGateway with the shared circuit breaker.
// Ordinary interface composition: the coordinator and scheduler only ever see
// domain.AuctionGateway.
type BreakerGateway struct {
	inner   domain.AuctionGateway
	breaker *CircuitBreaker
}

func NewBreakerGateway(inner domain.AuctionGateway, breaker *CircuitBreaker) *BreakerGateway {
	return &BreakerGateway{inner: inner, breaker: breaker}
}

func (g *BreakerGateway) FetchSnapshot(ctx context.Context, auctionID string) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := g.breaker.Execute(OpFetchSnapshot, func() error {
		var err error
		snap, err = g.inner.FetchSnapshot(ctx, auctionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (g *BreakerGateway) SubmitBid(ctx context.Context, auctionID string, amount int64) (*domain.BidResult, error) {
	var result *domain.BidResult
	err := g.breaker.Execute(OpSubmitBid, func() error {
		var err error
		result, err = g.inner.SubmitBid(ctx, auctionID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
