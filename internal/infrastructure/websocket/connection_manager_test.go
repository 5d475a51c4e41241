package websocket

import (
	"sync"
	"testing"

	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	messages []*domain.PushMessage
	open     bool
	sendErr  error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.messages = append(c.messages, message.(*domain.PushMessage))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) received() []*domain.PushMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.PushMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func subscribedConn(t *testing.T, cm *ConnectionManager, id string, auctions ...string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	cm.Register(conn)
	cm.Authenticate(id)
	for _, auctionID := range auctions {
		require.NoError(t, cm.Subscribe(id, auctionID))
	}
	return conn
}

func update(auctionID string) *domain.PushMessage {
	return &domain.PushMessage{Type: domain.PushAuctionUpdate, AuctionID: auctionID}
}

func TestPublishReachesOnlySubscribersOfThatAuction(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	connA := subscribedConn(t, cm, "conn-a", "auction-a")
	connB := subscribedConn(t, cm, "conn-b", "auction-b")
	connBoth := subscribedConn(t, cm, "conn-both", "auction-a", "auction-b")

	cm.Publish("auction-a", update("auction-a"))

	assert.Len(t, connA.received(), 1)
	assert.Empty(t, connB.received())
	assert.Len(t, connBoth.received(), 1)

	cm.Publish("auction-b", update("auction-b"))
	assert.Len(t, connA.received(), 1)
	assert.Len(t, connB.received(), 1)
	assert.Len(t, connBoth.received(), 2)
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	conn := newFakeConn("conn-1")
	cm.Register(conn)

	err := cm.Subscribe("conn-1", "auction-a")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	cm.Authenticate("conn-1")
	assert.NoError(t, cm.Subscribe("conn-1", "auction-a"))

	assert.Error(t, cm.Subscribe("unknown", "auction-a"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	conn := subscribedConn(t, cm, "conn-1", "auction-a")

	cm.Publish("auction-a", update("auction-a"))
	require.Len(t, conn.received(), 1)

	cm.Unsubscribe("conn-1", "auction-a")
	cm.Publish("auction-a", update("auction-a"))
	assert.Len(t, conn.received(), 1)
}

func TestPublishAllReachesOnlyAuthenticated(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	authed := subscribedConn(t, cm, "conn-authed")

	anon := newFakeConn("conn-anon")
	cm.Register(anon)

	cm.PublishAll(&domain.PushMessage{Type: domain.PushError, Code: "shutdown"})

	assert.Len(t, authed.received(), 1)
	assert.Empty(t, anon.received())
}

func TestPublishLazilyDropsDeadConnections(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	live := subscribedConn(t, cm, "conn-live", "auction-a")
	dead := subscribedConn(t, cm, "conn-dead", "auction-a")
	dead.Close()

	cm.Publish("auction-a", update("auction-a"))

	assert.Len(t, live.received(), 1)
	assert.Empty(t, dead.received())

	cm.mutex.RLock()
	_, exists := cm.subscribers["conn-dead"]
	cm.mutex.RUnlock()
	assert.False(t, exists, "dead connection is removed on publish")
}

func TestPublishDropsConnectionOnSendFailure(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	conn := subscribedConn(t, cm, "conn-1", "auction-a")
	conn.mu.Lock()
	conn.sendErr = assert.AnError
	conn.mu.Unlock()

	cm.Publish("auction-a", update("auction-a"))

	cm.mutex.RLock()
	_, exists := cm.subscribers["conn-1"]
	cm.mutex.RUnlock()
	assert.False(t, exists)
	assert.False(t, conn.Open(), "dropped connection is closed")
}

func TestDropRemovesAllSubscriptions(t *testing.T) {
	cm := NewConnectionManager(logger.NewNop())
	conn := subscribedConn(t, cm, "conn-1", "auction-a", "auction-b")

	cm.Drop("conn-1")
	assert.False(t, conn.Open())

	cm.Publish("auction-a", update("auction-a"))
	cm.Publish("auction-b", update("auction-b"))
	assert.Empty(t, conn.received())

	cm.mutex.RLock()
	assert.Empty(t, cm.byAuction)
	cm.mutex.RUnlock()

	// Dropping again is a no-op.
	cm.Drop("conn-1")
}
