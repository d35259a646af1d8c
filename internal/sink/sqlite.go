// Package sink persists trading history to SQLite: fills as they happen,
// plus periodic reward and position snapshots. Pure-Go driver, WAL mode, one
// writer (the engine), so no connection pool tuning is needed.
package sink

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	trade_id      TEXT NOT NULL,
	condition_id  TEXT NOT NULL,
	token_id      TEXT NOT NULL,
	side          TEXT NOT NULL,
	price         REAL NOT NULL,
	size          REAL NOT NULL,
	maker         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_condition ON trades(condition_id);

CREATE TABLE IF NOT EXISTS reward_snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	condition_id  TEXT NOT NULL,
	token_id      TEXT NOT NULL,
	side          TEXT NOT NULL,
	price         REAL NOT NULL,
	size          REAL NOT NULL,
	mid           REAL NOT NULL,
	dist_from_mid REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rewards_ts ON reward_snapshots(ts);

CREATE TABLE IF NOT EXISTS position_history (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        INTEGER NOT NULL,
	token_id  TEXT NOT NULL,
	size      REAL NOT NULL,
	avg_price REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_ts ON position_history(ts);
`

// Trade is one local fill.
type Trade struct {
	Time        time.Time
	TradeID     string
	ConditionID string
	TokenID     string
	Side        string
	Price       float64
	Size        float64
	Maker       bool
}

// RewardSnapshot is one open order at snapshot time, with its distance from
// the mid (the input to Polymarket's liquidity reward scoring).
type RewardSnapshot struct {
	Time        time.Time
	ConditionID string
	TokenID     string
	Side        string
	Price       float64
	Size        float64
	Mid         float64
}

// PositionSnapshot is one holding at snapshot time.
type PositionSnapshot struct {
	Time     time.Time
	TokenID  string
	Size     float64
	AvgPrice float64
}

// Store is the SQLite-backed history sink.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database (and its directory) if needed and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sink dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "sink")}, nil
}

// RecordTrade inserts one fill row.
func (s *Store) RecordTrade(t Trade) error {
	maker := 0
	if t.Maker {
		maker = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO trades (ts, trade_id, condition_id, token_id, side, price, size, maker)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Time.Unix(), t.TradeID, t.ConditionID, t.TokenID, t.Side, t.Price, t.Size, maker,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecordRewardSnapshots inserts one row per open order in a single
// transaction.
func (s *Store) RecordRewardSnapshots(snaps []RewardSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO reward_snapshots (ts, condition_id, token_id, side, price, size, mid, dist_from_mid)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range snaps {
		dist := r.Price - r.Mid
		if dist < 0 {
			dist = -dist
		}
		if _, err := stmt.Exec(r.Time.Unix(), r.ConditionID, r.TokenID, r.Side,
			r.Price, r.Size, r.Mid, dist); err != nil {
			return fmt.Errorf("insert reward snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// RecordPositionSnapshots inserts one row per holding in a single
// transaction.
func (s *Store) RecordPositionSnapshots(snaps []PositionSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO position_history (ts, token_id, size, avg_price)
		 VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range snaps {
		if _, err := stmt.Exec(p.Time.Unix(), p.TokenID, p.Size, p.AvgPrice); err != nil {
			return fmt.Errorf("insert position snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
