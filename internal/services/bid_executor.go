package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"
)

const (
	bidMaxAttempts = 3
	bidBackoffBase = 500 * time.Millisecond
)

// BidExecutor submits proposed bids against the Gateway. Execution is
// serialized per auction so two attempts for the same auction can never be
// in flight together; different auctions proceed concurrently.
type BidExecutor struct {
	gateway domain.AuctionGateway
	log     logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	newID func(prefix string) string
	now   func() time.Time
	sleep func(d time.Duration)
}

func NewBidExecutor(gateway domain.AuctionGateway, newID func(string) string, log logger.Logger) *BidExecutor {
	return &BidExecutor{
		gateway: gateway,
		log:     log,
		locks:   make(map[string]*sync.Mutex),
		newID:   newID,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Execute submits the action, retrying only retryable failure categories a
// fixed number of times with exponential backoff. The returned attempt is
// always non-nil; err carries the final Gateway error, if any, for the
// caller's taxonomy handling.
func (e *BidExecutor) Execute(ctx context.Context, action *domain.BidAction) (*domain.BidAttempt, error) {
	lock := e.lockFor(action.AuctionID)
	lock.Lock()
	defer lock.Unlock()

	var result *domain.BidResult
	var err error
	for try := 0; try < bidMaxAttempts; try++ {
		if try > 0 {
			e.sleep(bidBackoffBase << (try - 1))
			e.log.Warn("Retrying bid submission", "auction_id", action.AuctionID,
				"amount", action.Amount, "attempt", try+1)
		}
		result, err = e.gateway.SubmitBid(ctx, action.AuctionID, action.Amount)
		if err == nil || !domain.Retryable(err) {
			break
		}
	}

	attempt := &domain.BidAttempt{
		ID:        e.newID("bid"),
		AuctionID: action.AuctionID,
		Amount:    action.Amount,
		Strategy:  action.Strategy,
		Timestamp: e.now(),
	}

	switch {
	case err != nil:
		var ge *domain.GatewayError
		if errors.As(err, &ge) && ge.Kind == domain.FailureSemantic {
			attempt.Outcome = domain.BidRejected
		} else {
			attempt.Outcome = domain.BidFailed
		}
		attempt.Detail = err.Error()
	case result.Accepted:
		attempt.Outcome = domain.BidAccepted
	case result.Reason == "outbid":
		attempt.Outcome = domain.BidOutbid
		attempt.Detail = result.Reason
	default:
		attempt.Outcome = domain.BidRejected
		attempt.Detail = result.Reason
	}

	e.log.Info("Bid executed", "auction_id", action.AuctionID, "amount", action.Amount,
		"strategy", action.Strategy, "outcome", attempt.Outcome)
	return attempt, err
}

func (e *BidExecutor) lockFor(auctionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, exists := e.locks[auctionID]
	if !exists {
		lock = &sync.Mutex{}
		e.locks[auctionID] = lock
	}
	return lock
}
