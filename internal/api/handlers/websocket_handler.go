package handlers

import (
	"net/http"

	"bidwatch/internal/domain"
	ws "bidwatch/internal/infrastructure/websocket"
	"bidwatch/pkg/logger"
	"bidwatch/pkg/utils"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type WebSocketHandler struct {
	hub       *ws.ConnectionManager
	authToken string
	log       logger.Logger
}

func NewWebSocketHandler(hub *ws.ConnectionManager, authToken string, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:       hub,
		authToken: authToken,
		log:       log,
	}
}

type clientMessage struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	AuctionID string `json:"auction_id,omitempty"`
}

func (h *WebSocketHandler) HandleConnection(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return nil
	}

	wsConn := ws.NewConnection(utils.GenerateID("conn"), conn, h.log)
	h.hub.Register(wsConn)

	// Connection acknowledgment; nothing else is delivered until auth.
	wsConn.Send(&domain.PushMessage{Type: "connected"})

	go h.readLoop(wsConn)
	return nil
}

func (h *WebSocketHandler) readLoop(conn *ws.Connection) {
	defer h.hub.Drop(conn.ID())

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			h.log.Debug("Connection read ended", "conn_id", conn.ID(), "error", err)
			return
		}

		switch msg.Type {
		case "auth":
			if h.authToken != "" && msg.Token != h.authToken {
				conn.Send(&domain.PushMessage{Type: domain.PushError, Code: "auth_failed", Message: "invalid token"})
				continue
			}
			h.hub.Authenticate(conn.ID())
			conn.Send(&domain.PushMessage{Type: "auth_ok"})

		case "subscribe":
			if err := h.hub.Subscribe(conn.ID(), msg.AuctionID); err != nil {
				conn.Send(&domain.PushMessage{Type: domain.PushError, Code: "not_authenticated", Message: err.Error()})
				continue
			}
			conn.Send(&domain.PushMessage{Type: "subscribed", AuctionID: msg.AuctionID})

		case "unsubscribe":
			h.hub.Unsubscribe(conn.ID(), msg.AuctionID)
			conn.Send(&domain.PushMessage{Type: "unsubscribed", AuctionID: msg.AuctionID})

		case "ping":
			// Heartbeat; never treated as an auction event.
			conn.Send(&domain.PushMessage{Type: "pong"})

		default:
			conn.Send(&domain.PushMessage{Type: domain.PushError, Code: "unknown_type", Message: msg.Type})
		}
	}
}
