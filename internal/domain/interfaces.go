package domain

import (
	"context"
	"time"
)

// Gateway interface
type AuctionGateway interface {
	FetchSnapshot(ctx context.Context, auctionID string) (*Snapshot, error)
	SubmitBid(ctx context.Context, auctionID string, amount int64) (*BidResult, error)
}

// EventStream is an open push connection for one auction.
type EventStream interface {
	// Next blocks until the next normalized event or a connection error.
	Next() (*AuctionEvent, error)
	SessionID() string
	Close() error
}

// StreamDialer opens push connections against the Gateway.
type StreamDialer interface {
	OpenStream(ctx context.Context, auctionID string) (EventStream, error)
}

// Storage interfaces
type AuctionStore interface {
	SaveAuction(ctx context.Context, auction *MonitoredAuction) error
	LoadAuction(ctx context.Context, auctionID string) (*MonitoredAuction, error)
	LoadAllActive(ctx context.Context) ([]*MonitoredAuction, error)
	RemoveAuction(ctx context.Context, auctionID string) error
	AppendBidHistory(ctx context.Context, auctionID string, attempt *BidAttempt) error
	LoadBidHistory(ctx context.Context, auctionID string) ([]*BidAttempt, error)
	LoadSettings(ctx context.Context) (*Settings, error)
}

// Cache interfaces
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, auctionID string, snap *Snapshot) error
	GetSnapshot(ctx context.Context, auctionID string) (*Snapshot, error)
}

// EventMirror republishes state changes for out-of-process consumers.
type EventMirror interface {
	PublishUpdate(ctx context.Context, msg *PushMessage) error
}

// Scheduler interface
type PollScheduler interface {
	Schedule(auctionID string, interval time.Duration)
	Cancel(auctionID string)
	Start(ctx context.Context) error
	Stop()
}

// Streamer manages push connections per auction.
type Streamer interface {
	Connect(auctionID string)
	Disconnect(auctionID string)
}

// WebSocket interfaces
type SubscriberConnection interface {
	ID() string
	Send(message interface{}) error
	Close() error
	Open() bool
}

type Broadcaster interface {
	Register(conn SubscriberConnection)
	Authenticate(connID string)
	Subscribe(connID, auctionID string) error
	Unsubscribe(connID, auctionID string)
	Drop(connID string)
	Publish(auctionID string, message *PushMessage)
	PublishAll(message *PushMessage)
}
