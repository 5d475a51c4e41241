package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/domain"
	"bidwatch/pkg/logger"

	"github.com/robfig/cron/v3"
)

// ConfigPatch carries the fields of an update-config request; nil means
// "leave unchanged".
type ConfigPatch struct {
	Mode          *domain.StrategyMode
	MaxBid        *int64
	Increment     *int64
	SnipeWindow   *time.Duration
	DailyCap      *int64
	TotalCap      *int64
	StreamEnabled *bool
}

type auctionEntry struct {
	mu sync.Mutex

	auction     *domain.MonitoredAuction
	source      domain.UpdateSource
	paused      bool
	dirty       bool
	lastAttempt *domain.BidAttempt
	spentToday  int64
	spentTotal  int64
	spendDay    string
}

// MonitorCoordinator owns the canonical in-memory record per auction and
// orchestrates scheduler, stream client, decision engine, storage and hub.
// Each auction's updates run under its own critical section; there is no
// global lock across auctions.
type MonitorCoordinator struct {
	gateway  domain.AuctionGateway
	store    domain.AuctionStore
	cache    domain.SnapshotCache
	mirror   domain.EventMirror
	hub      domain.Broadcaster
	executor *BidExecutor

	scheduler domain.PollScheduler
	streamer  domain.Streamer

	cfg            config.MonitorConfig
	streamEnabled  bool
	errorThreshold int
	log            logger.Logger
	now            func() time.Time
	cron           *cron.Cron

	mu       sync.RWMutex
	auctions map[string]*auctionEntry
}

func NewMonitorCoordinator(
	gateway domain.AuctionGateway,
	store domain.AuctionStore,
	cache domain.SnapshotCache,
	mirror domain.EventMirror,
	hub domain.Broadcaster,
	executor *BidExecutor,
	cfg config.MonitorConfig,
	streamEnabled bool,
	errorThreshold int,
	log logger.Logger,
) *MonitorCoordinator {
	return &MonitorCoordinator{
		gateway:        gateway,
		store:          store,
		cache:          cache,
		mirror:         mirror,
		hub:            hub,
		executor:       executor,
		cfg:            cfg,
		streamEnabled:  streamEnabled,
		errorThreshold: errorThreshold,
		log:            log,
		now:            time.Now,
		cron:           cron.New(),
		auctions:       make(map[string]*auctionEntry),
	}
}

// SetSources wires the scheduler and streamer in after construction; both
// call back into the coordinator.
func (m *MonitorCoordinator) SetSources(scheduler domain.PollScheduler, streamer domain.Streamer) {
	m.scheduler = scheduler
	m.streamer = streamer
}

// Start resumes all non-terminal auctions from storage and begins the
// maintenance sweep.
func (m *MonitorCoordinator) Start(ctx context.Context) error {
	records, err := m.store.LoadAllActive(ctx)
	if err != nil {
		m.log.Error("Failed to load persisted auctions", "error", err)
	}

	for _, record := range records {
		if record.Status.Terminal() {
			continue
		}
		entry := &auctionEntry{auction: record, spendDay: m.now().Format("2006-01-02")}
		m.restoreSpend(ctx, entry)

		m.mu.Lock()
		m.auctions[record.ID] = entry
		m.mu.Unlock()

		m.attachSource(entry)
		m.log.Info("Resumed monitoring", "auction_id", record.ID, "status", record.Status)
	}

	spec := fmt.Sprintf("@every %s", m.cfg.SweepInterval)
	if _, err := m.cron.AddFunc(spec, func() { m.sweep(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

func (m *MonitorCoordinator) Stop() {
	m.cron.Stop()
	m.log.Info("Monitor coordinator stopped")
}

// Register starts monitoring auctionID. Stored defaults are applied first,
// then the caller's partial configuration. A duplicate id reports conflict
// and leaves the existing configuration untouched. An immediate snapshot is
// fetched before success is returned.
func (m *MonitorCoordinator) Register(ctx context.Context, auctionID string, patch ConfigPatch) (*domain.MonitoredAuction, error) {
	if auctionID == "" {
		return nil, &domain.ValidationError{Field: "auction_id", Reason: "required"}
	}

	m.mu.RLock()
	_, exists := m.auctions[auctionID]
	m.mu.RUnlock()
	if exists {
		return nil, domain.ErrAlreadyMonitored
	}

	cfg := m.defaultConfig(ctx)
	applyPatch(&cfg, patch)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	snap, err := m.gateway.FetchSnapshot(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if snap.Closed {
		return nil, &domain.ValidationError{Field: "auction_id", Reason: "auction already closed"}
	}

	now := m.now()
	entry := &auctionEntry{
		auction: &domain.MonitoredAuction{
			ID:        auctionID,
			Config:    cfg,
			Status:    domain.MonitorActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
		spendDay: now.Format("2006-01-02"),
	}

	m.mu.Lock()
	if _, exists := m.auctions[auctionID]; exists {
		m.mu.Unlock()
		return nil, domain.ErrAlreadyMonitored
	}
	m.auctions[auctionID] = entry
	m.mu.Unlock()

	m.applyRefresh(ctx, entry, snap, domain.SourcePoll)

	entry.mu.Lock()
	ended := entry.auction.Status.Terminal()
	record := *entry.auction
	entry.mu.Unlock()

	if !ended {
		m.attachSource(entry)
	}

	m.log.Info("Monitoring registered", "auction_id", auctionID, "mode", cfg.Mode, "max_bid", cfg.MaxBid)
	return &record, nil
}

// Cancel stops monitoring immediately and removes the persisted record.
func (m *MonitorCoordinator) Cancel(ctx context.Context, auctionID string) error {
	m.mu.Lock()
	_, exists := m.auctions[auctionID]
	if exists {
		delete(m.auctions, auctionID)
	}
	m.mu.Unlock()

	if !exists {
		return domain.ErrNotMonitored
	}

	m.detachSource(auctionID)
	if err := m.store.RemoveAuction(ctx, auctionID); err != nil {
		m.log.Error("Failed to remove persisted auction", "auction_id", auctionID, "error", err)
	}

	m.log.Info("Monitoring cancelled", "auction_id", auctionID)
	return nil
}

// UpdateConfig merges a partial configuration into the existing one.
func (m *MonitorCoordinator) UpdateConfig(ctx context.Context, auctionID string, patch ConfigPatch) (*domain.MonitoredAuction, error) {
	entry, exists := m.entry(auctionID)
	if !exists {
		return nil, domain.ErrNotMonitored
	}

	entry.mu.Lock()
	cfg := entry.auction.Config
	applyPatch(&cfg, patch)

	if err := validateConfig(cfg); err != nil {
		entry.mu.Unlock()
		return nil, err
	}

	sourceChanged := patch.StreamEnabled != nil && entry.auction.Config.StreamEnabled != cfg.StreamEnabled
	entry.auction.Config = cfg
	entry.auction.UpdatedAt = m.now()
	m.persist(ctx, entry)
	record := *entry.auction
	paused := entry.paused
	entry.mu.Unlock()

	if sourceChanged && !paused && !record.Status.Terminal() {
		m.detachSource(auctionID)
		m.attachSource(entry)
	}

	return &record, nil
}

// List returns snapshots of every monitored auction, ordered by id.
func (m *MonitorCoordinator) List() []*domain.MonitoredAuction {
	m.mu.RLock()
	entries := make([]*auctionEntry, 0, len(m.auctions))
	for _, entry := range m.auctions {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	records := make([]*domain.MonitoredAuction, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		record := *entry.auction
		entry.mu.Unlock()
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// BidHistory returns the append-only bid attempts for a monitored auction.
func (m *MonitorCoordinator) BidHistory(ctx context.Context, auctionID string) ([]*domain.BidAttempt, error) {
	if _, exists := m.entry(auctionID); !exists {
		return nil, domain.ErrNotMonitored
	}
	return m.store.LoadBidHistory(ctx, auctionID)
}

// Resume reattaches the update source after an authentication pause.
func (m *MonitorCoordinator) Resume(ctx context.Context, auctionID string) error {
	entry, exists := m.entry(auctionID)
	if !exists {
		return domain.ErrNotMonitored
	}

	entry.mu.Lock()
	wasPaused := entry.paused
	entry.paused = false
	entry.auction.LastError = ""
	entry.mu.Unlock()

	if wasPaused {
		m.attachSource(entry)
		m.log.Info("Monitoring resumed", "auction_id", auctionID)
	}
	return nil
}

// HandlePoll is the scheduler's dispatch target.
func (m *MonitorCoordinator) HandlePoll(ctx context.Context, auctionID string) (*domain.Snapshot, error) {
	entry, exists := m.entry(auctionID)
	if !exists {
		return nil, domain.ErrNotMonitored
	}

	snap, err := m.gateway.FetchSnapshot(ctx, auctionID)
	if err != nil {
		m.recordUpdateFailure(entry, err)
		return nil, err
	}

	m.applyRefresh(ctx, entry, snap, domain.SourcePoll)
	return snap, nil
}

// HandlePollFailure marks the auction errored once the consecutive-failure
// threshold is reached. A later success transitions it back.
func (m *MonitorCoordinator) HandlePollFailure(auctionID string, consecutive int) {
	if consecutive < m.errorThreshold {
		return
	}
	entry, exists := m.entry(auctionID)
	if !exists {
		return
	}

	entry.mu.Lock()
	if entry.auction.Status.Terminal() {
		entry.mu.Unlock()
		return
	}
	entry.auction.Status = domain.MonitorError
	entry.auction.UpdatedAt = m.now()
	entry.mu.Unlock()

	m.log.Warn("Auction marked errored after repeated poll failures",
		"auction_id", auctionID, "consecutive_failures", consecutive)
	m.hub.Publish(auctionID, &domain.PushMessage{
		Type:      domain.PushError,
		AuctionID: auctionID,
		Code:      "update_failed",
		Message:   "repeated update failures",
	})
}

// HandleStreamEvent receives normalized events from the stream client; the
// downstream pipeline is identical to the polling path.
func (m *MonitorCoordinator) HandleStreamEvent(auctionID string, event *domain.AuctionEvent) {
	entry, exists := m.entry(auctionID)
	if !exists || event.Snapshot == nil {
		return
	}
	m.applyRefresh(context.Background(), entry, event.Snapshot, domain.SourceStream)
}

// HandleStreamFallback hands the auction to the polling scheduler. Streaming
// and polling are mutually exclusive per auction.
func (m *MonitorCoordinator) HandleStreamFallback(auctionID string) {
	entry, exists := m.entry(auctionID)
	if !exists {
		return
	}

	entry.mu.Lock()
	entry.source = domain.SourcePoll
	remaining := entry.auction.Snapshot.TimeRemaining
	entry.mu.Unlock()

	m.scheduler.Schedule(auctionID, IntervalFor(remaining))
	m.log.Info("Fell back to polling", "auction_id", auctionID)
}

// applyRefresh is the single entry point for state refreshes from either
// source: update snapshot, run the decision engine, persist, publish.
func (m *MonitorCoordinator) applyRefresh(ctx context.Context, entry *auctionEntry, snap *domain.Snapshot, source domain.UpdateSource) {
	entry.mu.Lock()
	auction := entry.auction
	if auction.Status.Terminal() {
		entry.mu.Unlock()
		return
	}

	// Closed events may carry partial data; keep the last known bid.
	if snap.Closed && snap.CurrentBid == 0 {
		snap.CurrentBid = auction.Snapshot.CurrentBid
	}

	auction.Snapshot = *snap
	auction.UpdatedAt = m.now()
	auction.LastError = ""
	entry.source = source
	m.rolloverSpendDay(entry)

	var pausedNow bool
	if snap.Closed {
		auction.Status = domain.MonitorEnded
		auction.EndedAt = m.now()
	} else {
		if snap.TimeRemaining <= m.cfg.EndingThreshold {
			auction.Status = domain.MonitorEnding
		} else {
			auction.Status = domain.MonitorActive
		}

		// Rearm single-fire sniping if the close moved away again.
		if auction.Config.Mode == domain.StrategySniping && snap.TimeRemaining > auction.Config.SnipeWindow {
			auction.SnipeFired = false
		}

		action, maxed := Decide(DecisionInput{
			Auction:     auction,
			Snapshot:    *snap,
			LastAttempt: entry.lastAttempt,
			SpentToday:  entry.spentToday,
			SpentTotal:  entry.spentTotal,
		})
		auction.MaxBidReached = maxed

		if action != nil {
			if auction.Config.Mode == domain.StrategySniping {
				auction.SnipeFired = true
			}
			pausedNow = m.executeBid(ctx, entry, action)
		}
	}

	m.persist(ctx, entry)

	record := *entry.auction
	entry.mu.Unlock()

	if err := m.cache.SetSnapshot(ctx, record.ID, &record.Snapshot); err != nil {
		m.log.Warn("Snapshot cache write failed", "auction_id", record.ID, "error", err)
	}

	m.publishUpdate(&record)

	if record.Status.Terminal() {
		m.detachSource(record.ID)
	}
	if pausedNow {
		m.pause(entry, record.ID)
	}
}

// executeBid runs under the entry's critical section. Returns true when the
// attempt hit an authentication failure and monitoring must pause.
func (m *MonitorCoordinator) executeBid(ctx context.Context, entry *auctionEntry, action *domain.BidAction) bool {
	attempt, err := m.executor.Execute(ctx, action)
	entry.lastAttempt = attempt

	if attempt.Outcome == domain.BidAccepted {
		entry.spentToday += attempt.Amount
		entry.spentTotal += attempt.Amount
		entry.auction.Snapshot.Winning = true
	}

	if serr := m.store.AppendBidHistory(ctx, action.AuctionID, attempt); serr != nil {
		m.log.Error("Failed to append bid history", "auction_id", action.AuctionID, "error", serr)
	}

	m.hub.Publish(action.AuctionID, &domain.PushMessage{
		Type:      domain.PushBidResult,
		AuctionID: action.AuctionID,
		Outcome:   string(attempt.Outcome),
		Amount:    attempt.Amount,
		Message:   attempt.Detail,
	})

	return domain.IsAuthFailure(err)
}

func (m *MonitorCoordinator) recordUpdateFailure(entry *auctionEntry, err error) {
	entry.mu.Lock()
	entry.auction.LastError = err.Error()
	entry.auction.UpdatedAt = m.now()
	auctionID := entry.auction.ID
	authFailure := domain.IsAuthFailure(err)
	entry.mu.Unlock()

	if authFailure {
		m.pause(entry, auctionID)
	}
}

// pause detaches the update source but keeps the record; Resume reattaches
// once credentials are refreshed.
func (m *MonitorCoordinator) pause(entry *auctionEntry, auctionID string) {
	entry.mu.Lock()
	already := entry.paused
	entry.paused = true
	entry.mu.Unlock()

	if already {
		return
	}

	m.detachSource(auctionID)
	m.log.Warn("Monitoring paused on authentication failure", "auction_id", auctionID)
	m.hub.Publish(auctionID, &domain.PushMessage{
		Type:      domain.PushError,
		AuctionID: auctionID,
		Code:      "auth_failed",
		Message:   "authentication failed; monitoring paused",
	})
}

func (m *MonitorCoordinator) publishUpdate(record *domain.MonitoredAuction) {
	snap := record.Snapshot
	update := &domain.PushMessage{
		Type:      domain.PushAuctionUpdate,
		AuctionID: record.ID,
		Snapshot:  &snap,
	}
	m.hub.Publish(record.ID, update)

	if err := m.mirror.PublishUpdate(context.Background(), update); err != nil {
		m.log.Warn("Event mirror publish failed", "auction_id", record.ID, "error", err)
	}

	if record.Status.Terminal() {
		won := snap.Winning
		m.hub.Publish(record.ID, &domain.PushMessage{
			Type:      domain.PushAuctionEnded,
			AuctionID: record.ID,
			Snapshot:  &snap,
			Won:       &won,
		})
	}
}

// persist runs under entry.mu. A storage failure degrades to not-yet-durable;
// the sweep retries it.
func (m *MonitorCoordinator) persist(ctx context.Context, entry *auctionEntry) {
	if err := m.store.SaveAuction(ctx, entry.auction); err != nil {
		entry.dirty = true
		m.log.Error("Failed to persist auction, will retry", "auction_id", entry.auction.ID, "error", err)
		return
	}
	entry.dirty = false
}

func (m *MonitorCoordinator) attachSource(entry *auctionEntry) {
	entry.mu.Lock()
	auctionID := entry.auction.ID
	useStream := m.streamEnabled && entry.auction.Config.StreamEnabled
	remaining := entry.auction.Snapshot.TimeRemaining
	if useStream {
		entry.source = domain.SourceStream
	} else {
		entry.source = domain.SourcePoll
	}
	entry.mu.Unlock()

	if useStream {
		m.streamer.Connect(auctionID)
	} else {
		m.scheduler.Schedule(auctionID, IntervalFor(remaining))
	}
}

func (m *MonitorCoordinator) detachSource(auctionID string) {
	m.scheduler.Cancel(auctionID)
	m.streamer.Disconnect(auctionID)
}

func (m *MonitorCoordinator) entry(auctionID string) (*auctionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, exists := m.auctions[auctionID]
	return entry, exists
}

func (m *MonitorCoordinator) rolloverSpendDay(entry *auctionEntry) {
	day := m.now().Format("2006-01-02")
	if entry.spendDay != day {
		entry.spendDay = day
		entry.spentToday = 0
	}
}

func (m *MonitorCoordinator) restoreSpend(ctx context.Context, entry *auctionEntry) {
	attempts, err := m.store.LoadBidHistory(ctx, entry.auction.ID)
	if err != nil {
		m.log.Warn("Failed to load bid history", "auction_id", entry.auction.ID, "error", err)
		return
	}
	day := m.now().Format("2006-01-02")
	for _, attempt := range attempts {
		entry.lastAttempt = attempt
		if attempt.Outcome != domain.BidAccepted {
			continue
		}
		entry.spentTotal += attempt.Amount
		if attempt.Timestamp.Format("2006-01-02") == day {
			entry.spentToday += attempt.Amount
		}
	}
}

// sweep purges ended auctions past the grace period and retries persists
// that previously failed.
func (m *MonitorCoordinator) sweep(ctx context.Context) {
	now := m.now()

	m.mu.RLock()
	entries := make(map[string]*auctionEntry, len(m.auctions))
	for id, entry := range m.auctions {
		entries[id] = entry
	}
	m.mu.RUnlock()

	for id, entry := range entries {
		entry.mu.Lock()
		expired := entry.auction.Status.Terminal() && now.Sub(entry.auction.EndedAt) >= m.cfg.GracePeriod
		dirty := entry.dirty
		entry.mu.Unlock()

		if expired {
			m.mu.Lock()
			delete(m.auctions, id)
			m.mu.Unlock()

			if err := m.store.RemoveAuction(ctx, id); err != nil {
				m.log.Error("Failed to purge auction", "auction_id", id, "error", err)
			}
			m.log.Info("Purged ended auction", "auction_id", id)
			continue
		}

		if dirty {
			entry.mu.Lock()
			m.persist(ctx, entry)
			entry.mu.Unlock()
		}
	}
}

// defaultConfig builds the baseline configuration from stored settings,
// falling back to built-in defaults when none exist.
func (m *MonitorCoordinator) defaultConfig(ctx context.Context) domain.StrategyConfig {
	cfg := domain.StrategyConfig{
		Mode:          domain.StrategyManual,
		Increment:     m.cfg.DefaultIncrement,
		SnipeWindow:   m.cfg.DefaultSnipeWindow,
		StreamEnabled: m.streamEnabled,
	}

	settings, err := m.store.LoadSettings(ctx)
	if err != nil {
		m.log.Warn("Failed to load stored settings, using built-in defaults", "error", err)
		return cfg
	}
	if settings == nil {
		return cfg
	}

	if settings.DefaultMode != "" {
		cfg.Mode = settings.DefaultMode
	}
	if settings.DefaultIncrement > 0 {
		cfg.Increment = settings.DefaultIncrement
	}
	if settings.DefaultSnipeWindow > 0 {
		cfg.SnipeWindow = settings.DefaultSnipeWindow
	}
	cfg.StreamEnabled = cfg.StreamEnabled && settings.StreamEnabled
	return cfg
}

func applyPatch(cfg *domain.StrategyConfig, patch ConfigPatch) {
	if patch.Mode != nil {
		cfg.Mode = *patch.Mode
	}
	if patch.MaxBid != nil {
		cfg.MaxBid = *patch.MaxBid
	}
	if patch.Increment != nil {
		cfg.Increment = *patch.Increment
	}
	if patch.SnipeWindow != nil {
		cfg.SnipeWindow = *patch.SnipeWindow
	}
	if patch.DailyCap != nil {
		cfg.DailyCap = *patch.DailyCap
	}
	if patch.TotalCap != nil {
		cfg.TotalCap = *patch.TotalCap
	}
	if patch.StreamEnabled != nil {
		cfg.StreamEnabled = *patch.StreamEnabled
	}
}

func validateConfig(cfg domain.StrategyConfig) error {
	if !cfg.Mode.Valid() {
		return &domain.ValidationError{Field: "mode", Reason: "must be manual, incremental or sniping"}
	}
	if cfg.Mode != domain.StrategyManual && cfg.MaxBid <= 0 {
		return &domain.ValidationError{Field: "max_bid", Reason: "must be positive"}
	}
	if cfg.MaxBid < 0 || cfg.Increment < 0 || cfg.DailyCap < 0 || cfg.TotalCap < 0 {
		return &domain.ValidationError{Field: "amounts", Reason: "must not be negative"}
	}
	if cfg.Mode == domain.StrategySniping && cfg.SnipeWindow <= 0 {
		return &domain.ValidationError{Field: "snipe_window", Reason: "must be positive"}
	}
	return nil
}
