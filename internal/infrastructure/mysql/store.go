package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"bidwatch/internal/domain"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements the Storage collaborator. Strategy configuration and
// snapshots are stored as JSON columns; bid history is append-only.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) SaveAuction(ctx context.Context, auction *domain.MonitoredAuction) error {
	configJSON, err := json.Marshal(auction.Config)
	if err != nil {
		return err
	}
	snapshotJSON, err := json.Marshal(auction.Snapshot)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO monitored_auctions
            (id, config, snapshot, status, last_error, created_at, updated_at, ended_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
            config = VALUES(config), snapshot = VALUES(snapshot),
            status = VALUES(status), last_error = VALUES(last_error),
            updated_at = VALUES(updated_at), ended_at = VALUES(ended_at)
    `
	var endedAt interface{}
	if !auction.EndedAt.IsZero() {
		endedAt = auction.EndedAt
	}
	_, err = s.db.ExecContext(ctx, query,
		auction.ID, configJSON, snapshotJSON, string(auction.Status),
		auction.LastError, auction.CreatedAt, auction.UpdatedAt, endedAt)
	return err
}

func (s *MySQLStore) LoadAuction(ctx context.Context, auctionID string) (*domain.MonitoredAuction, error) {
	query := `
        SELECT id, config, snapshot, status, last_error, created_at, updated_at, ended_at
        FROM monitored_auctions WHERE id = ?
    `
	auction, err := scanAuction(s.db.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotMonitored
	}
	return auction, err
}

func (s *MySQLStore) LoadAllActive(ctx context.Context) ([]*domain.MonitoredAuction, error) {
	query := `
        SELECT id, config, snapshot, status, last_error, created_at, updated_at, ended_at
        FROM monitored_auctions WHERE status != ?
    `
	rows, err := s.db.QueryContext(ctx, query, string(domain.MonitorEnded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []*domain.MonitoredAuction
	for rows.Next() {
		auction, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		auctions = append(auctions, auction)
	}
	return auctions, rows.Err()
}

func (s *MySQLStore) RemoveAuction(ctx context.Context, auctionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM monitored_auctions WHERE id = ?`, auctionID)
	return err
}

func (s *MySQLStore) AppendBidHistory(ctx context.Context, auctionID string, attempt *domain.BidAttempt) error {
	query := `
        INSERT INTO bid_attempts (id, auction_id, amount, strategy, outcome, detail, attempted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	_, err := s.db.ExecContext(ctx, query,
		attempt.ID, auctionID, attempt.Amount, string(attempt.Strategy),
		string(attempt.Outcome), attempt.Detail, attempt.Timestamp)
	return err
}

func (s *MySQLStore) LoadBidHistory(ctx context.Context, auctionID string) ([]*domain.BidAttempt, error) {
	query := `
        SELECT id, auction_id, amount, strategy, outcome, detail, attempted_at
        FROM bid_attempts WHERE auction_id = ? ORDER BY attempted_at ASC
    `
	rows, err := s.db.QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*domain.BidAttempt
	for rows.Next() {
		var attempt domain.BidAttempt
		var strategy, outcome string
		err := rows.Scan(&attempt.ID, &attempt.AuctionID, &attempt.Amount,
			&strategy, &outcome, &attempt.Detail, &attempt.Timestamp)
		if err != nil {
			return nil, err
		}
		attempt.Strategy = domain.StrategyMode(strategy)
		attempt.Outcome = domain.BidOutcome(outcome)
		attempts = append(attempts, &attempt)
	}
	return attempts, rows.Err()
}

func (s *MySQLStore) LoadSettings(ctx context.Context) (*domain.Settings, error) {
	query := `SELECT settings FROM monitor_settings WHERE id = 1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var settings domain.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuction(row rowScanner) (*domain.MonitoredAuction, error) {
	var auction domain.MonitoredAuction
	var configJSON, snapshotJSON []byte
	var status string
	var endedAt sql.NullTime

	err := row.Scan(&auction.ID, &configJSON, &snapshotJSON, &status,
		&auction.LastError, &auction.CreatedAt, &auction.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(configJSON, &auction.Config); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshotJSON, &auction.Snapshot); err != nil {
		return nil, err
	}
	auction.Status = domain.MonitorStatus(status)
	if endedAt.Valid {
		auction.EndedAt = endedAt.Time
	}
	return &auction, nil
}

// Schema documents the expected tables; applied by deployment tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS monitored_auctions (
    id         VARCHAR(64) PRIMARY KEY,
    config     JSON NOT NULL,
    snapshot   JSON NOT NULL,
    status     VARCHAR(16) NOT NULL,
    last_error TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    ended_at   DATETIME NULL
);

CREATE TABLE IF NOT EXISTS bid_attempts (
    id           VARCHAR(64) PRIMARY KEY,
    auction_id   VARCHAR(64) NOT NULL,
    amount       BIGINT NOT NULL,
    strategy     VARCHAR(16) NOT NULL,
    outcome      VARCHAR(16) NOT NULL,
    detail       TEXT,
    attempted_at DATETIME NOT NULL,
    INDEX idx_bid_attempts_auction (auction_id, attempted_at)
);

CREATE TABLE IF NOT EXISTS monitor_settings (
    id       INT PRIMARY KEY,
    settings JSON NOT NULL
);
`
