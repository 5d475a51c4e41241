package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"

	"github.com/gorilla/websocket"
)

// StreamDialer opens the gateway's per-auction push stream over websocket.
type StreamDialer struct {
	streamURL string
	apiKey    string
	dialer    *websocket.Dialer
	log       logger.Logger
}

func NewStreamDialer(cfg config.GatewayConfig, log logger.Logger) *StreamDialer {
	return &StreamDialer{
		streamURL: strings.TrimRight(cfg.StreamURL, "/"),
		apiKey:    cfg.APIKey,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
		},
		log: log,
	}
}

func (d *StreamDialer) OpenStream(ctx context.Context, auctionID string) (domain.EventStream, error) {
	url := fmt.Sprintf("%s/auctions/%s", d.streamURL, auctionID)

	header := http.Header{}
	if d.apiKey != "" {
		header.Set("Authorization", "Bearer "+d.apiKey)
	}

	conn, resp, err := d.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			if cerr := classifyStatus("open_stream", resp.StatusCode); cerr != nil {
				return nil, cerr
			}
		}
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: "open_stream", Err: err}
	}

	return &eventStream{
		conn:      conn,
		auctionID: auctionID,
		log:       d.log,
	}, nil
}

type streamPayload struct {
	Type            string `json:"type"`
	AuctionID       string `json:"auction_id"`
	SessionID       string `json:"session_id"`
	CurrentBid      *int64 `json:"current_bid"`
	NextBid         *int64 `json:"next_bid"`
	TimeRemainingMS *int64 `json:"time_remaining_ms"`
	Winning         *bool  `json:"winning"`
}

type eventStream struct {
	conn      *websocket.Conn
	auctionID string
	sessionID string
	log       logger.Logger
}

// Next blocks until the next normalized event. Malformed payloads are logged
// and skipped; they never terminate the stream.
func (s *eventStream) Next() (*domain.AuctionEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var payload streamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.Warn("Discarding malformed stream payload", "auction_id", s.auctionID, "error", err)
			continue
		}

		switch payload.Type {
		case "connected":
			s.sessionID = payload.SessionID
			return &domain.AuctionEvent{Type: domain.EventKeepalive, AuctionID: s.auctionID}, nil

		case "keepalive", "heartbeat", "ping":
			return &domain.AuctionEvent{Type: domain.EventKeepalive, AuctionID: s.auctionID}, nil

		case "bid_update":
			if payload.CurrentBid == nil || payload.NextBid == nil || payload.TimeRemainingMS == nil {
				s.log.Warn("Discarding bid_update with missing fields", "auction_id", s.auctionID)
				continue
			}
			winning := false
			if payload.Winning != nil {
				winning = *payload.Winning
			}
			return &domain.AuctionEvent{
				Type:      domain.EventBidUpdate,
				AuctionID: s.auctionID,
				Snapshot: &domain.Snapshot{
					CurrentBid:    *payload.CurrentBid,
					NextBid:       *payload.NextBid,
					TimeRemaining: time.Duration(*payload.TimeRemainingMS) * time.Millisecond,
					Winning:       winning,
					FetchedAt:     time.Now(),
				},
			}, nil

		case "closed":
			snap := &domain.Snapshot{Closed: true, FetchedAt: time.Now()}
			if payload.CurrentBid != nil {
				snap.CurrentBid = *payload.CurrentBid
			}
			if payload.Winning != nil {
				snap.Winning = *payload.Winning
			}
			return &domain.AuctionEvent{
				Type:      domain.EventClosed,
				AuctionID: s.auctionID,
				Snapshot:  snap,
			}, nil

		default:
			s.log.Warn("Discarding unknown stream event", "auction_id", s.auctionID, "type", payload.Type)
		}
	}
}

func (s *eventStream) SessionID() string {
	return s.sessionID
}

func (s *eventStream) Close() error {
	return s.conn.Close()
}
