package websocket

import (
	"errors"
	"sync"

	"bidwatch/pkg/logger"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 32

// Connection wraps one subscriber websocket. Writes go through a buffered
// channel drained by a single pump goroutine, so Send never blocks on a slow
// peer.
type Connection struct {
	id     string
	conn   *websocket.Conn
	send   chan interface{}
	closed chan struct{}
	once   sync.Once
	log    logger.Logger
}

func NewConnection(id string, conn *websocket.Conn, log logger.Logger) *Connection {
	c := &Connection{
		id:     id,
		conn:   conn,
		send:   make(chan interface{}, sendBufferSize),
		closed: make(chan struct{}),
		log:    log,
	}
	go c.writePump()
	return c
}

func (c *Connection) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.Error("Failed to write message", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Send(message interface{}) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case c.send <- message:
		return nil
	default:
		// Slow consumer with a full buffer; drop it rather than block.
		c.Close()
		return errors.New("send buffer full")
	}
}

func (c *Connection) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *Connection) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}

// ReadJSON reads the next inbound message from the peer.
func (c *Connection) ReadJSON(v interface{}) error {
	return c.conn.ReadJSON(v)
}
