package websocket

import (
	"errors"
	"sync"

	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"
)

var ErrNotAuthenticated = errors.New("connection not authenticated")

type subscriber struct {
	conn     domain.SubscriberConnection
	authed   bool
	auctions map[string]struct{}
}

// ConnectionManager is the broadcast hub: a registry of subscriber
// connections per auction. Sends go through each connection's buffered
// writer, so a burst on one auction never delays another.
type ConnectionManager struct {
	mutex       sync.RWMutex
	subscribers map[string]*subscriber            // connID -> subscriber
	byAuction   map[string]map[string]struct{}    // auctionID -> set of connIDs
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		subscribers: make(map[string]*subscriber),
		byAuction:   make(map[string]map[string]struct{}),
		log:         log,
	}
}

func (cm *ConnectionManager) Register(conn domain.SubscriberConnection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.subscribers[conn.ID()] = &subscriber{
		conn:     conn,
		auctions: make(map[string]struct{}),
	}
	cm.log.Info("Connection registered", "conn_id", conn.ID())
}

func (cm *ConnectionManager) Authenticate(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if sub, exists := cm.subscribers[connID]; exists {
		sub.authed = true
	}
}

func (cm *ConnectionManager) Subscribe(connID, auctionID string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	sub, exists := cm.subscribers[connID]
	if !exists {
		return errors.New("unknown connection")
	}
	if !sub.authed {
		return ErrNotAuthenticated
	}

	sub.auctions[auctionID] = struct{}{}
	if cm.byAuction[auctionID] == nil {
		cm.byAuction[auctionID] = make(map[string]struct{})
	}
	cm.byAuction[auctionID][connID] = struct{}{}

	cm.log.Info("Subscribed", "conn_id", connID, "auction_id", auctionID)
	return nil
}

func (cm *ConnectionManager) Unsubscribe(connID, auctionID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if sub, exists := cm.subscribers[connID]; exists {
		delete(sub.auctions, auctionID)
	}
	cm.removeFromAuction(connID, auctionID)
}

func (cm *ConnectionManager) Drop(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.dropLocked(connID)
}

func (cm *ConnectionManager) dropLocked(connID string) {
	sub, exists := cm.subscribers[connID]
	if !exists {
		return
	}
	for auctionID := range sub.auctions {
		cm.removeFromAuction(connID, auctionID)
	}
	delete(cm.subscribers, connID)
	sub.conn.Close()

	cm.log.Info("Connection dropped", "conn_id", connID)
}

func (cm *ConnectionManager) removeFromAuction(connID, auctionID string) {
	if conns, exists := cm.byAuction[auctionID]; exists {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(cm.byAuction, auctionID)
		}
	}
}

// Publish delivers the message to exactly the subscribers of auctionID.
// Connections whose transport is no longer open are skipped and lazily
// removed instead of failing the publish.
func (cm *ConnectionManager) Publish(auctionID string, message *domain.PushMessage) {
	cm.mutex.RLock()
	var conns []domain.SubscriberConnection
	for connID := range cm.byAuction[auctionID] {
		if sub, exists := cm.subscribers[connID]; exists {
			conns = append(conns, sub.conn)
		}
	}
	cm.mutex.RUnlock()

	cm.deliver(conns, message)
}

// PublishAll delivers to every authenticated connection.
func (cm *ConnectionManager) PublishAll(message *domain.PushMessage) {
	cm.mutex.RLock()
	var conns []domain.SubscriberConnection
	for _, sub := range cm.subscribers {
		if sub.authed {
			conns = append(conns, sub.conn)
		}
	}
	cm.mutex.RUnlock()

	cm.deliver(conns, message)
}

func (cm *ConnectionManager) deliver(conns []domain.SubscriberConnection, message *domain.PushMessage) {
	var dead []string
	for _, conn := range conns {
		if !conn.Open() {
			dead = append(dead, conn.ID())
			continue
		}
		if err := conn.Send(message); err != nil {
			cm.log.Error("Failed to send message", "conn_id", conn.ID(), "error", err)
			dead = append(dead, conn.ID())
		}
	}

	if len(dead) > 0 {
		cm.mutex.Lock()
		for _, connID := range dead {
			cm.dropLocked(connID)
		}
		cm.mutex.Unlock()
	}
}
