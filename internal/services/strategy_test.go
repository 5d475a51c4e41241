package services

import (
	"testing"
	"time"

	"bidwatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitored(id string, cfg domain.StrategyConfig) *domain.MonitoredAuction {
	return &domain.MonitoredAuction{
		ID:     id,
		Config: cfg,
		Status: domain.MonitorActive,
	}
}

func TestDecideIncrementalBidsNextRequired(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:   domain.StrategyIncremental,
		MaxBid: 100,
	})
	snap := domain.Snapshot{
		CurrentBid:    50,
		NextBid:       55,
		TimeRemaining: 5 * time.Minute,
		Winning:       false,
	}

	action, maxed := Decide(DecisionInput{Auction: auction, Snapshot: snap})
	require.NotNil(t, action)
	assert.Equal(t, int64(55), action.Amount)
	assert.Equal(t, "12345", action.AuctionID)
	assert.Equal(t, domain.StrategyIncremental, action.Strategy)
	assert.False(t, maxed)
}

func TestDecideIncrementalMaxBidReached(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:   domain.StrategyIncremental,
		MaxBid: 100,
	})
	snap := domain.Snapshot{
		CurrentBid:    100,
		NextBid:       105,
		TimeRemaining: 5 * time.Minute,
	}

	action, maxed := Decide(DecisionInput{Auction: auction, Snapshot: snap})
	assert.Nil(t, action)
	assert.True(t, maxed)
}

func TestDecideIncrementalIncludesBuffer(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:      domain.StrategyIncremental,
		MaxBid:    100,
		Increment: 2,
	})
	snap := domain.Snapshot{NextBid: 55, TimeRemaining: time.Minute}

	action, _ := Decide(DecisionInput{Auction: auction, Snapshot: snap})
	require.NotNil(t, action)
	assert.Equal(t, int64(57), action.Amount)
}

func TestDecideManualNeverBids(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:   domain.StrategyManual,
		MaxBid: 100,
	})
	snap := domain.Snapshot{NextBid: 10, TimeRemaining: 10 * time.Second}

	action, maxed := Decide(DecisionInput{Auction: auction, Snapshot: snap})
	assert.Nil(t, action)
	assert.False(t, maxed)
}

func TestDecideSnipingWaitsForWindow(t *testing.T) {
	cfg := domain.StrategyConfig{
		Mode:        domain.StrategySniping,
		MaxBid:      100,
		SnipeWindow: 30 * time.Second,
	}

	// 120s remaining: outside the trigger window, no action.
	auction := monitored("12345", cfg)
	action, _ := Decide(DecisionInput{
		Auction:  auction,
		Snapshot: domain.Snapshot{NextBid: 65, TimeRemaining: 120 * time.Second},
	})
	assert.Nil(t, action)

	// 25s remaining: exactly one action for the next required bid.
	action, _ = Decide(DecisionInput{
		Auction:  auction,
		Snapshot: domain.Snapshot{NextBid: 65, TimeRemaining: 25 * time.Second},
	})
	require.NotNil(t, action)
	assert.Equal(t, int64(65), action.Amount)

	// After firing, the engine stays silent inside the same window.
	auction.SnipeFired = true
	action, _ = Decide(DecisionInput{
		Auction:  auction,
		Snapshot: domain.Snapshot{NextBid: 70, TimeRemaining: 20 * time.Second},
	})
	assert.Nil(t, action)
}

func TestDecideNeverExceedsMaxBidAcrossStrategies(t *testing.T) {
	for _, mode := range []domain.StrategyMode{domain.StrategyIncremental, domain.StrategySniping} {
		auction := monitored("1", domain.StrategyConfig{
			Mode:        mode,
			MaxBid:      60,
			Increment:   3,
			SnipeWindow: time.Hour,
		})
		for nextBid := int64(1); nextBid <= 80; nextBid += 7 {
			action, _ := Decide(DecisionInput{
				Auction:  auction,
				Snapshot: domain.Snapshot{NextBid: nextBid, TimeRemaining: time.Minute},
			})
			if action != nil {
				assert.LessOrEqual(t, action.Amount, int64(60), "mode %s next %d", mode, nextBid)
			}
		}
	}
}

func TestDecideSuppressesDuplicateAmount(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:   domain.StrategyIncremental,
		MaxBid: 100,
	})
	snap := domain.Snapshot{NextBid: 55, TimeRemaining: time.Minute}

	action, _ := Decide(DecisionInput{
		Auction:     auction,
		Snapshot:    snap,
		LastAttempt: &domain.BidAttempt{AuctionID: "12345", Amount: 55},
	})
	assert.Nil(t, action)

	// A different amount is allowed again.
	action, _ = Decide(DecisionInput{
		Auction:     auction,
		Snapshot:    snap,
		LastAttempt: &domain.BidAttempt{AuctionID: "12345", Amount: 50},
	})
	assert.NotNil(t, action)
}

func TestDecideRespectsSpendCaps(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:     domain.StrategyIncremental,
		MaxBid:   100,
		DailyCap: 60,
		TotalCap: 200,
	})
	snap := domain.Snapshot{NextBid: 55, TimeRemaining: time.Minute}

	action, _ := Decide(DecisionInput{Auction: auction, Snapshot: snap, SpentToday: 10})
	assert.Nil(t, action, "daily cap exceeded")

	action, _ = Decide(DecisionInput{Auction: auction, Snapshot: snap, SpentTotal: 150})
	assert.Nil(t, action, "total cap exceeded")

	action, _ = Decide(DecisionInput{Auction: auction, Snapshot: snap, SpentToday: 5, SpentTotal: 100})
	assert.NotNil(t, action)
}

func TestDecideSkipsWinningAndClosed(t *testing.T) {
	auction := monitored("12345", domain.StrategyConfig{
		Mode:   domain.StrategyIncremental,
		MaxBid: 100,
	})

	action, _ := Decide(DecisionInput{
		Auction:  auction,
		Snapshot: domain.Snapshot{NextBid: 55, Winning: true, TimeRemaining: time.Minute},
	})
	assert.Nil(t, action)

	action, _ = Decide(DecisionInput{
		Auction:  auction,
		Snapshot: domain.Snapshot{NextBid: 55, Closed: true},
	})
	assert.Nil(t, action)
}
