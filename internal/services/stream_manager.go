package services

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"
)

// StreamHandler receives normalized stream events and fallback signals;
// implemented by the coordinator.
type StreamHandler interface {
	HandleStreamEvent(auctionID string, event *domain.AuctionEvent)
	HandleStreamFallback(auctionID string)
}

type streamSession struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	stream domain.EventStream
}

func (s *streamSession) setStream(stream domain.EventStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
}

func (s *streamSession) closeStream() {
	s.mu.Lock()
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.mu.Unlock()
}

// StreamManager owns one push connection per actively-streamed auction,
// reconnecting with jittered exponential backoff and emitting a single
// fallback signal once the attempt ceiling is exhausted.
//
// A connection only proves itself live by delivering a frame (keepalives
// count); an idle watchdog closes connections that go silent, and only a
// live connection resets the reconnect budget. A half-open socket that
// never delivers therefore burns through the budget and falls back instead
// of blocking forever.
type StreamManager struct {
	dialer  domain.StreamDialer
	cfg     config.StreamConfig
	handler StreamHandler
	log     logger.Logger

	mu       sync.Mutex
	sessions map[string]*streamSession
}

func NewStreamManager(dialer domain.StreamDialer, cfg config.StreamConfig, log logger.Logger) *StreamManager {
	return &StreamManager{
		dialer:   dialer,
		cfg:      cfg,
		sessions: make(map[string]*streamSession),
		log:      log,
	}
}

// SetHandler wires the coordinator in after construction.
func (m *StreamManager) SetHandler(handler StreamHandler) {
	m.handler = handler
}

// Connect starts streaming for auctionID. A second call while a session
// exists is a no-op.
func (m *StreamManager) Connect(auctionID string) {
	m.mu.Lock()
	if _, exists := m.sessions[auctionID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &streamSession{cancel: cancel}
	m.sessions[auctionID] = session
	m.mu.Unlock()

	go m.run(ctx, auctionID, session)
}

// Disconnect tears the session down idempotently; a pending reconnect
// backoff is abandoned.
func (m *StreamManager) Disconnect(auctionID string) {
	m.mu.Lock()
	session, exists := m.sessions[auctionID]
	if exists {
		delete(m.sessions, auctionID)
	}
	m.mu.Unlock()

	if exists {
		session.cancel()
		session.closeStream()
	}
}

func (m *StreamManager) run(ctx context.Context, auctionID string, session *streamSession) {
	attempts := 0

	for {
		if ctx.Err() != nil {
			m.remove(auctionID, session)
			return
		}

		stream, err := m.dialer.OpenStream(ctx, auctionID)
		if err == nil {
			session.setStream(stream)
			m.log.Info("Stream connected", "auction_id", auctionID, "session_id", stream.SessionID())

			closed, active := m.consume(ctx, auctionID, stream)
			session.closeStream()

			if closed || ctx.Err() != nil {
				m.remove(auctionID, session)
				return
			}
			if active {
				attempts = 0
			}
			m.log.Warn("Stream connection lost", "auction_id", auctionID)
		} else {
			if ctx.Err() != nil {
				m.remove(auctionID, session)
				return
			}
			m.log.Warn("Stream connect failed", "auction_id", auctionID, "attempt", attempts+1, "error", err)
		}

		attempts++
		if attempts >= m.cfg.MaxReconnectAttempts {
			m.remove(auctionID, session)
			m.log.Warn("Stream attempts exhausted, falling back to polling",
				"auction_id", auctionID, "attempts", attempts)
			m.handler.HandleStreamFallback(auctionID)
			return
		}

		if !m.sleep(ctx, attempts) {
			m.remove(auctionID, session)
			return
		}
	}
}

// consume pumps events until the connection errors, goes idle past the
// watchdog timeout or the auction closes. closed reports an explicit closed
// event; active reports that at least one frame arrived.
func (m *StreamManager) consume(ctx context.Context, auctionID string, stream domain.EventStream) (closed, active bool) {
	var watchdog *time.Timer
	if m.cfg.IdleTimeout > 0 {
		watchdog = time.AfterFunc(m.cfg.IdleTimeout, func() {
			m.log.Warn("Stream idle past timeout, closing connection",
				"auction_id", auctionID, "idle_timeout", m.cfg.IdleTimeout)
			stream.Close()
		})
		defer watchdog.Stop()
	}

	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("Stream read failed", "auction_id", auctionID, "error", err)
			}
			return false, active
		}

		// Any frame, keepalives included, refreshes the idle watchdog.
		active = true
		if watchdog != nil {
			watchdog.Reset(m.cfg.IdleTimeout)
		}

		switch event.Type {
		case domain.EventKeepalive:
			// Recognized and consumed; not a state update.
		case domain.EventClosed:
			m.handler.HandleStreamEvent(auctionID, event)
			return true, active
		case domain.EventBidUpdate:
			m.handler.HandleStreamEvent(auctionID, event)
		}
	}
}

func (m *StreamManager) sleep(ctx context.Context, attempts int) bool {
	backoff := m.cfg.BackoffBase << (attempts - 1)
	if backoff > m.cfg.BackoffMax {
		backoff = m.cfg.BackoffMax
	}
	backoff += time.Duration(rand.Int63n(int64(backoff/2) + 1))

	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *StreamManager) remove(auctionID string, session *streamSession) {
	m.mu.Lock()
	if current, exists := m.sessions[auctionID]; exists && current == session {
		delete(m.sessions, auctionID)
	}
	m.mu.Unlock()
}

// Streaming reports whether a session currently exists for auctionID.
func (m *StreamManager) Streaming(auctionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[auctionID]
	return exists
}
