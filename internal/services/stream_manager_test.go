package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	sessionID string
	events    chan *domain.AuctionEvent
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream(sessionID string) *fakeStream {
	return &fakeStream{
		sessionID: sessionID,
		events:    make(chan *domain.AuctionEvent, 16),
		closed:    make(chan struct{}),
	}
}

func (s *fakeStream) Next() (*domain.AuctionEvent, error) {
	select {
	case event := <-s.events:
		return event, nil
	case <-s.closed:
		return nil, io.ErrClosedPipe
	}
}

func (s *fakeStream) SessionID() string { return s.sessionID }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeDialer fails the first failN dials, then hands out fresh streams.
type fakeDialer struct {
	mu      sync.Mutex
	failN   int
	dials   int
	streams []*fakeStream
	opened  chan *fakeStream
}

func newFakeDialer(failN int) *fakeDialer {
	return &fakeDialer{failN: failN, opened: make(chan *fakeStream, 16)}
}

func (d *fakeDialer) OpenStream(ctx context.Context, auctionID string) (domain.EventStream, error) {
	d.mu.Lock()
	d.dials++
	if d.dials <= d.failN {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	stream := newFakeStream("sess-" + auctionID)
	d.streams = append(d.streams, stream)
	d.mu.Unlock()
	d.opened <- stream
	return stream, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingStreamHandler struct {
	mu        sync.Mutex
	events    []*domain.AuctionEvent
	eventCh   chan *domain.AuctionEvent
	fallbacks []string
	fellBack  chan string
}

func newRecordingStreamHandler() *recordingStreamHandler {
	return &recordingStreamHandler{
		eventCh:  make(chan *domain.AuctionEvent, 16),
		fellBack: make(chan string, 16),
	}
}

func (h *recordingStreamHandler) HandleStreamEvent(auctionID string, event *domain.AuctionEvent) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	h.eventCh <- event
}

func (h *recordingStreamHandler) HandleStreamFallback(auctionID string) {
	h.mu.Lock()
	h.fallbacks = append(h.fallbacks, auctionID)
	h.mu.Unlock()
	h.fellBack <- auctionID
}

func streamConfig() config.StreamConfig {
	return config.StreamConfig{
		Enabled:              true,
		MaxReconnectAttempts: 3,
		BackoffBase:          time.Millisecond,
		BackoffMax:           5 * time.Millisecond,
		IdleTimeout:          time.Second,
	}
}

func TestStreamManagerDeliversBidUpdates(t *testing.T) {
	dialer := newFakeDialer(0)
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")
	defer m.Disconnect("123")

	var stream *fakeStream
	select {
	case stream = <-dialer.opened:
	case <-time.After(time.Second):
		t.Fatal("stream was never dialed")
	}

	stream.events <- &domain.AuctionEvent{Type: domain.EventKeepalive, AuctionID: "123"}
	update := &domain.AuctionEvent{
		Type:      domain.EventBidUpdate,
		AuctionID: "123",
		Snapshot:  &domain.Snapshot{CurrentBid: 50, NextBid: 55, TimeRemaining: time.Minute},
	}
	stream.events <- update

	select {
	case got := <-handler.eventCh:
		assert.Equal(t, domain.EventBidUpdate, got.Type)
		assert.Equal(t, int64(55), got.Snapshot.NextBid)
	case <-time.After(time.Second):
		t.Fatal("bid update never reached the handler")
	}

	// Keepalives are consumed, never forwarded.
	handler.mu.Lock()
	for _, e := range handler.events {
		assert.NotEqual(t, domain.EventKeepalive, e.Type)
	}
	handler.mu.Unlock()
}

func TestStreamManagerClosedEventEndsSession(t *testing.T) {
	dialer := newFakeDialer(0)
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")
	stream := <-dialer.opened

	stream.events <- &domain.AuctionEvent{
		Type:      domain.EventClosed,
		AuctionID: "123",
		Snapshot:  &domain.Snapshot{Closed: true},
	}

	select {
	case got := <-handler.eventCh:
		assert.Equal(t, domain.EventClosed, got.Type)
	case <-time.After(time.Second):
		t.Fatal("closed event never reached the handler")
	}

	require.Eventually(t, func() bool { return !m.Streaming("123") },
		time.Second, 5*time.Millisecond, "session should end after a closed event")
	assert.Equal(t, 1, dialer.dialCount(), "closed auction must not reconnect")
}

func TestStreamManagerFallsBackAfterExhaustedReconnects(t *testing.T) {
	dialer := newFakeDialer(100) // every dial fails
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")

	select {
	case id := <-handler.fellBack:
		assert.Equal(t, "123", id)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never fired")
	}

	// Exactly one fallback and exactly MaxReconnectAttempts dials.
	time.Sleep(50 * time.Millisecond)
	handler.mu.Lock()
	assert.Equal(t, []string{"123"}, handler.fallbacks)
	handler.mu.Unlock()
	assert.Equal(t, 3, dialer.dialCount())
	assert.False(t, m.Streaming("123"))
}

func TestStreamManagerFallsBackWhenStreamGoesSilent(t *testing.T) {
	// Every dial succeeds but the connection never delivers a frame. The
	// idle watchdog must close it, and because a silent connection never
	// resets the attempt budget, the manager falls back instead of
	// redialing forever.
	dialer := newFakeDialer(0)
	handler := newRecordingStreamHandler()
	cfg := streamConfig()
	cfg.IdleTimeout = 10 * time.Millisecond
	m := NewStreamManager(dialer, cfg, logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")

	select {
	case id := <-handler.fellBack:
		assert.Equal(t, "123", id)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never fired for a silent connection")
	}

	time.Sleep(50 * time.Millisecond)
	handler.mu.Lock()
	assert.Equal(t, []string{"123"}, handler.fallbacks)
	assert.Empty(t, handler.events, "silent connection must not produce events")
	handler.mu.Unlock()
	assert.Equal(t, 3, dialer.dialCount())
	assert.False(t, m.Streaming("123"))
}

func TestStreamManagerReconnectResetsAttemptBudget(t *testing.T) {
	dialer := newFakeDialer(2) // two failures, then success
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")
	defer m.Disconnect("123")

	var stream *fakeStream
	select {
	case stream = <-dialer.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected after transient failures")
	}

	// A delivered frame proves the connection live and resets the
	// attempt counter, so losing it triggers a reconnect, not fallback.
	stream.events <- &domain.AuctionEvent{
		Type:      domain.EventBidUpdate,
		AuctionID: "123",
		Snapshot:  &domain.Snapshot{CurrentBid: 50, NextBid: 55, TimeRemaining: time.Minute},
	}
	select {
	case <-handler.eventCh:
	case <-time.After(time.Second):
		t.Fatal("bid update never reached the handler")
	}
	stream.Close()

	select {
	case <-dialer.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("did not reconnect after connection loss")
	}

	handler.mu.Lock()
	assert.Empty(t, handler.fallbacks)
	handler.mu.Unlock()
}

func TestStreamManagerConnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer(0)
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")
	m.Connect("123")
	defer m.Disconnect("123")

	<-dialer.opened
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestStreamManagerDisconnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer(0)
	handler := newRecordingStreamHandler()
	m := NewStreamManager(dialer, streamConfig(), logger.NewNop())
	m.SetHandler(handler)

	m.Connect("123")
	stream := <-dialer.opened

	m.Disconnect("123")
	m.Disconnect("123")

	select {
	case <-stream.closed:
	case <-time.After(time.Second):
		t.Fatal("disconnect did not close the underlying stream")
	}
	require.Eventually(t, func() bool { return !m.Streaming("123") },
		time.Second, 5*time.Millisecond)

	handler.mu.Lock()
	assert.Empty(t, handler.fallbacks, "deliberate disconnect must not trigger fallback")
	handler.mu.Unlock()
}
