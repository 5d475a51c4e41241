package services

import (
	"bidwatch/internal/domain"
)

// DecisionInput carries everything the decision engine reads. SpentToday and
// SpentTotal are sums of accepted bid amounts for the auction.
type DecisionInput struct {
	Auction     *domain.MonitoredAuction
	Snapshot    domain.Snapshot
	LastAttempt *domain.BidAttempt
	SpentToday  int64
	SpentTotal  int64
}

// Decide is a pure function of (auction state, strategy configuration). The
// second return value reports that the configured max bid can no longer cover
// the next required amount.
//
// Safety rules enforced here: never above max bid, never the same amount as
// the most recent attempt, never past a spend cap. Amounts are whole currency
// units throughout.
func Decide(in DecisionInput) (*domain.BidAction, bool) {
	cfg := in.Auction.Config
	snap := in.Snapshot

	if snap.Closed || snap.Winning {
		return nil, false
	}

	switch cfg.Mode {
	case domain.StrategyManual:
		return nil, false
	case domain.StrategyIncremental:
		// Bid on every qualifying update.
	case domain.StrategySniping:
		if snap.TimeRemaining > cfg.SnipeWindow {
			return nil, false
		}
		// One attempt per threshold crossing; the coordinator rearms the
		// flag when time-remaining climbs back above the window.
		if in.Auction.SnipeFired {
			return nil, false
		}
	default:
		return nil, false
	}

	amount := snap.NextBid + cfg.Increment
	if amount > cfg.MaxBid {
		return nil, true
	}
	if cfg.DailyCap > 0 && in.SpentToday+amount > cfg.DailyCap {
		return nil, false
	}
	if cfg.TotalCap > 0 && in.SpentTotal+amount > cfg.TotalCap {
		return nil, false
	}
	if in.LastAttempt != nil && in.LastAttempt.Amount == amount {
		return nil, false
	}

	return &domain.BidAction{
		AuctionID: in.Auction.ID,
		Amount:    amount,
		Strategy:  cfg.Mode,
	}, false
}
