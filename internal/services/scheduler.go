package services

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"
)

// PollHandler receives dispatched polls; implemented by the coordinator.
type PollHandler interface {
	HandlePoll(ctx context.Context, auctionID string) (*domain.Snapshot, error)
	HandlePollFailure(auctionID string, consecutive int)
}

type pollTask struct {
	auctionID string
	dueAt     time.Time
	interval  time.Duration
	failures  int
	index     int // heap index; -1 while dispatched
}

type taskQueue []*pollTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].dueAt.Equal(q[j].dueAt) {
		return q[i].auctionID < q[j].auctionID
	}
	return q[i].dueAt.Before(q[j].dueAt)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	task := x.(*pollTask)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}

// PollingScheduler keeps one task per actively-polled auction in a binary
// heap ordered by due time (ties broken by auction id). A fixed tick drains
// due tasks subject to a per-second dispatch cap; overflow is pushed to the
// start of the next window, never dropped.
type PollingScheduler struct {
	cfg     config.SchedulerConfig
	handler PollHandler
	log     logger.Logger

	mu          sync.Mutex
	queue       taskQueue
	tasks       map[string]*pollTask
	windowStart time.Time
	windowCount int

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPollingScheduler(cfg config.SchedulerConfig, log logger.Logger) *PollingScheduler {
	return &PollingScheduler{
		cfg:   cfg,
		tasks: make(map[string]*pollTask),
		log:   log,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// SetHandler wires the coordinator in after construction.
func (s *PollingScheduler) SetHandler(handler PollHandler) {
	s.handler = handler
}

func (s *PollingScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting polling scheduler", "tick", s.cfg.Tick, "max_per_second", s.cfg.MaxPerSecond)

	go func() {
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.dispatchDue(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (s *PollingScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.log.Info("Polling scheduler stopped")
}

// Schedule inserts or updates the task for auctionID.
func (s *PollingScheduler) Schedule(auctionID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, exists := s.tasks[auctionID]; exists {
		task.interval = interval
		if task.index >= 0 {
			task.dueAt = s.now().Add(interval)
			heap.Fix(&s.queue, task.index)
		}
		return
	}

	task := &pollTask{
		auctionID: auctionID,
		dueAt:     s.now().Add(interval),
		interval:  interval,
	}
	s.tasks[auctionID] = task
	heap.Push(&s.queue, task)
}

// Cancel removes the task immediately; a dispatched task is dropped on
// completion.
func (s *PollingScheduler) Cancel(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[auctionID]
	if !exists {
		return
	}
	if task.index >= 0 {
		heap.Remove(&s.queue, task.index)
	}
	delete(s.tasks, auctionID)
}

func (s *PollingScheduler) dispatchDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.windowCount = 0
	}

	var dispatched []*pollTask
	for s.queue.Len() > 0 && !s.queue[0].dueAt.After(now) {
		if s.windowCount >= s.cfg.MaxPerSecond {
			// Over the cap: delay to the next window rather than drop.
			s.queue[0].dueAt = s.windowStart.Add(time.Second)
			heap.Fix(&s.queue, 0)
			continue
		}
		task := heap.Pop(&s.queue).(*pollTask)
		s.windowCount++
		dispatched = append(dispatched, task)
	}
	s.mu.Unlock()

	for _, task := range dispatched {
		go s.execute(ctx, task)
	}
}

func (s *PollingScheduler) execute(ctx context.Context, task *pollTask) {
	snap, err := s.handler.HandlePoll(ctx, task.auctionID)
	s.complete(task, snap, err)
}

func (s *PollingScheduler) complete(task *pollTask, snap *domain.Snapshot, err error) {
	var notifyFailures int

	s.mu.Lock()
	current, exists := s.tasks[task.auctionID]
	if !exists || current != task {
		// Cancelled or replaced while in flight.
		s.mu.Unlock()
		return
	}

	if err != nil {
		task.failures++
		task.interval = backoffInterval(task.interval, s.cfg.BackoffFactor, s.cfg.MaxInterval)
		notifyFailures = task.failures
	} else if snap.Closed {
		delete(s.tasks, task.auctionID)
		s.mu.Unlock()
		return
	} else {
		task.failures = 0
		task.interval = IntervalFor(snap.TimeRemaining)
	}
	task.dueAt = s.now().Add(task.interval)
	heap.Push(&s.queue, task)
	s.mu.Unlock()

	if notifyFailures > 0 {
		s.handler.HandlePollFailure(task.auctionID, notifyFailures)
	}
}

func backoffInterval(interval time.Duration, factor float64, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(interval) * factor)
	if next > ceiling {
		return ceiling
	}
	if next <= 0 {
		return time.Second
	}
	return next
}

// IntervalFor maps time-remaining onto a poll interval: a monotonically
// decreasing step function ending sub-3s inside the last 30 seconds.
func IntervalFor(remaining time.Duration) time.Duration {
	switch {
	case remaining > time.Hour:
		return time.Minute
	case remaining > 10*time.Minute:
		return 30 * time.Second
	case remaining > 2*time.Minute:
		return 10 * time.Second
	case remaining > 30*time.Second:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}
