package domain

import (
	"time"
)

// StrategyMode selects how bids are produced for a monitored auction.
type StrategyMode string

const (
	StrategyManual      StrategyMode = "manual"
	StrategyIncremental StrategyMode = "incremental"
	StrategySniping     StrategyMode = "sniping"
)

func (m StrategyMode) Valid() bool {
	switch m {
	case StrategyManual, StrategyIncremental, StrategySniping:
		return true
	}
	return false
}

// StrategyConfig holds the bidding rules for one auction. Amounts are whole
// currency units.
type StrategyConfig struct {
	Mode          StrategyMode  `json:"mode"`
	MaxBid        int64         `json:"max_bid"`
	Increment     int64         `json:"increment"`
	SnipeWindow   time.Duration `json:"snipe_window"`
	DailyCap      int64         `json:"daily_cap"`
	TotalCap      int64         `json:"total_cap"`
	StreamEnabled bool          `json:"stream_enabled"`
}

type MonitorStatus string

const (
	MonitorActive MonitorStatus = "active"
	MonitorEnding MonitorStatus = "ending"
	MonitorEnded  MonitorStatus = "ended"
	MonitorError  MonitorStatus = "error"
)

func (s MonitorStatus) Terminal() bool {
	return s == MonitorEnded
}

// Snapshot is a point-in-time read of an auction's external state.
type Snapshot struct {
	CurrentBid    int64         `json:"current_bid"`
	NextBid       int64         `json:"next_bid"`
	TimeRemaining time.Duration `json:"time_remaining"`
	Closed        bool          `json:"closed"`
	Winning       bool          `json:"winning"`
	FetchedAt     time.Time     `json:"fetched_at"`
}

// MonitoredAuction is the canonical in-memory record per auction. Exactly one
// exists per auction id at any time.
type MonitoredAuction struct {
	ID            string         `json:"auction_id"`
	Config        StrategyConfig `json:"config"`
	Snapshot      Snapshot       `json:"snapshot"`
	Status        MonitorStatus  `json:"status"`
	MaxBidReached bool           `json:"max_bid_reached"`
	SnipeFired    bool           `json:"snipe_fired"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	EndedAt       time.Time      `json:"ended_at,omitempty"`
}

// UpdateSource identifies which path produced a refresh.
type UpdateSource string

const (
	SourcePoll   UpdateSource = "poll"
	SourceStream UpdateSource = "stream"
)

// BidAction is the decision engine's proposal to place a bid.
type BidAction struct {
	AuctionID string       `json:"auction_id"`
	Amount    int64        `json:"amount"`
	Strategy  StrategyMode `json:"strategy"`
}

type BidOutcome string

const (
	BidAccepted BidOutcome = "accepted"
	BidOutbid   BidOutcome = "outbid"
	BidRejected BidOutcome = "rejected"
	BidFailed   BidOutcome = "failed"
)

// BidAttempt is an immutable audit record of one submission, also used for
// duplicate-amount suppression.
type BidAttempt struct {
	ID        string       `json:"id"`
	AuctionID string       `json:"auction_id"`
	Amount    int64        `json:"amount"`
	Strategy  StrategyMode `json:"strategy"`
	Outcome   BidOutcome   `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// BidResult is the Gateway's answer to a submitted bid.
type BidResult struct {
	Accepted   bool   `json:"accepted"`
	Winning    bool   `json:"winning"`
	CurrentBid int64  `json:"current_bid"`
	Reason     string `json:"reason,omitempty"`
}

// AuctionEventType classifies normalized stream events.
type AuctionEventType string

const (
	EventBidUpdate AuctionEventType = "bid_update"
	EventClosed    AuctionEventType = "closed"
	EventKeepalive AuctionEventType = "keepalive"
)

// AuctionEvent is one normalized event from the Gateway push stream.
type AuctionEvent struct {
	Type      AuctionEventType `json:"type"`
	AuctionID string           `json:"auction_id"`
	Snapshot  *Snapshot        `json:"snapshot,omitempty"`
}

// Settings are stored defaults merged into per-auction configuration at
// registration time.
type Settings struct {
	DefaultMode        StrategyMode  `json:"default_mode"`
	DefaultIncrement   int64         `json:"default_increment"`
	DefaultSnipeWindow time.Duration `json:"default_snipe_window"`
	StreamEnabled      bool          `json:"stream_enabled"`
}

// PushMessage is the envelope delivered to hub subscribers.
type PushMessage struct {
	Type      string    `json:"type"`
	AuctionID string    `json:"auction_id,omitempty"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	Won       *bool     `json:"won,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

const (
	PushAuctionUpdate = "auction_update"
	PushAuctionEnded  = "auction_ended"
	PushBidResult     = "bid_result"
	PushError         = "error"
)
