package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"

	"golang.org/x/time/rate"
)

const (
	OpFetchSnapshot = "fetch_snapshot"
	OpSubmitBid     = "submit_bid"
)

// Client is the bare HTTP client against the external auction gateway.
// Every request is rate limited and carries a bounded timeout.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
	}
}

type snapshotPayload struct {
	CurrentBid      int64 `json:"current_bid"`
	NextBid         int64 `json:"next_bid"`
	TimeRemainingMS int64 `json:"time_remaining_ms"`
	Closed          bool  `json:"closed"`
	Winning         bool  `json:"winning"`
}

type bidRequest struct {
	Amount int64 `json:"amount"`
}

type bidResultPayload struct {
	Accepted   bool   `json:"accepted"`
	Winning    bool   `json:"winning"`
	CurrentBid int64  `json:"current_bid"`
	Reason     string `json:"reason"`
}

func (c *Client) FetchSnapshot(ctx context.Context, auctionID string) (*domain.Snapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpFetchSnapshot, Err: err}
	}

	url := fmt.Sprintf("%s/api/v1/auctions/%s", c.baseURL, auctionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpFetchSnapshot, Err: err}
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpFetchSnapshot, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(OpFetchSnapshot, resp.StatusCode); err != nil {
		return nil, err
	}

	var payload snapshotPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureMalformed, Op: OpFetchSnapshot, Err: err}
	}

	return &domain.Snapshot{
		CurrentBid:    payload.CurrentBid,
		NextBid:       payload.NextBid,
		TimeRemaining: time.Duration(payload.TimeRemainingMS) * time.Millisecond,
		Closed:        payload.Closed,
		Winning:       payload.Winning,
		FetchedAt:     time.Now(),
	}, nil
}

func (c *Client) SubmitBid(ctx context.Context, auctionID string, amount int64) (*domain.BidResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpSubmitBid, Err: err}
	}

	body, err := json.Marshal(bidRequest{Amount: amount})
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureMalformed, Op: OpSubmitBid, Err: err}
	}

	url := fmt.Sprintf("%s/api/v1/auctions/%s/bids", c.baseURL, auctionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpSubmitBid, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureTransient, Op: OpSubmitBid, Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus(OpSubmitBid, resp.StatusCode); err != nil {
		return nil, err
	}

	var payload bidResultPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &domain.GatewayError{Kind: domain.FailureMalformed, Op: OpSubmitBid, Err: err}
	}

	return &domain.BidResult{
		Accepted:   payload.Accepted,
		Winning:    payload.Winning,
		CurrentBid: payload.CurrentBid,
		Reason:     payload.Reason,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// classifyStatus maps HTTP status codes onto the failure taxonomy. 5xx and
// throttling are transient, credential rejections pause monitoring, other
// 4xx responses are semantic and final.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.GatewayError{Kind: domain.FailureAuth, Op: op, StatusCode: status,
			Err: fmt.Errorf("authentication rejected")}
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &domain.GatewayError{Kind: domain.FailureTransient, Op: op, StatusCode: status,
			Err: fmt.Errorf("gateway unavailable")}
	default:
		return &domain.GatewayError{Kind: domain.FailureSemantic, Op: op, StatusCode: status,
			Err: fmt.Errorf("request rejected")}
	}
}
