package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bidReply struct {
	result *domain.BidResult
	err    error
}

// scriptedGateway replays a fixed sequence of bid replies.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []bidReply
	calls   int
}

func (g *scriptedGateway) FetchSnapshot(ctx context.Context, auctionID string) (*domain.Snapshot, error) {
	return &domain.Snapshot{}, nil
}

func (g *scriptedGateway) SubmitBid(ctx context.Context, auctionID string, amount int64) (*domain.BidResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reply := g.replies[g.calls]
	g.calls++
	return reply.result, reply.err
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestExecutor(gw domain.AuctionGateway) (*BidExecutor, *[]time.Duration) {
	seq := 0
	e := NewBidExecutor(gw, func(prefix string) string {
		seq++
		return prefix + "-test"
	}, logger.NewNop())

	var slept []time.Duration
	e.sleep = func(d time.Duration) { slept = append(slept, d) }
	return e, &slept
}

func action() *domain.BidAction {
	return &domain.BidAction{AuctionID: "12345", Amount: 55, Strategy: domain.StrategyIncremental}
}

func transientErr() error {
	return &domain.GatewayError{Kind: domain.FailureTransient, Op: "submit_bid", StatusCode: 503}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{err: transientErr()},
		{err: transientErr()},
		{result: &domain.BidResult{Accepted: true}},
	}}
	e, slept := newTestExecutor(gw)

	attempt, err := e.Execute(context.Background(), action())
	require.NoError(t, err)
	assert.Equal(t, 3, gw.callCount())
	assert.Equal(t, domain.BidAccepted, attempt.Outcome)
	assert.Equal(t, int64(55), attempt.Amount)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{err: transientErr()},
		{err: transientErr()},
		{err: transientErr()},
	}}
	e, _ := newTestExecutor(gw)

	attempt, err := e.Execute(context.Background(), action())
	require.Error(t, err)
	assert.Equal(t, 3, gw.callCount())
	assert.Equal(t, domain.BidFailed, attempt.Outcome)
	assert.NotEmpty(t, attempt.Detail)
}

func TestExecuteDoesNotRetrySemanticRejection(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{err: &domain.GatewayError{Kind: domain.FailureSemantic, Op: "submit_bid", StatusCode: 422}},
	}}
	e, slept := newTestExecutor(gw)

	attempt, err := e.Execute(context.Background(), action())
	require.Error(t, err)
	assert.Equal(t, 1, gw.callCount())
	assert.Empty(t, *slept)
	assert.Equal(t, domain.BidRejected, attempt.Outcome)
}

func TestExecuteMapsOutbidResult(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{result: &domain.BidResult{Accepted: false, Reason: "outbid"}},
	}}
	e, _ := newTestExecutor(gw)

	attempt, err := e.Execute(context.Background(), action())
	require.NoError(t, err)
	assert.Equal(t, domain.BidOutbid, attempt.Outcome)
	assert.Equal(t, "outbid", attempt.Detail)
}

func TestExecuteMapsRejectedResult(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{result: &domain.BidResult{Accepted: false, Reason: "bid too low"}},
	}}
	e, _ := newTestExecutor(gw)

	attempt, err := e.Execute(context.Background(), action())
	require.NoError(t, err)
	assert.Equal(t, domain.BidRejected, attempt.Outcome)
	assert.Equal(t, "bid too low", attempt.Detail)
}

func TestExecuteSerializesPerAuction(t *testing.T) {
	gw := &scriptedGateway{replies: []bidReply{
		{result: &domain.BidResult{Accepted: true}},
		{result: &domain.BidResult{Accepted: true}},
	}}
	e, _ := newTestExecutor(gw)

	// Same lock instance for the same auction, distinct for another.
	assert.Same(t, e.lockFor("12345"), e.lockFor("12345"))
	assert.NotSame(t, e.lockFor("12345"), e.lockFor("67890"))

	_, err := e.Execute(context.Background(), action())
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), action())
	require.NoError(t, err)
	assert.Equal(t, 2, gw.callCount())
}
