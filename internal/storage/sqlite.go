// Package storage persists positions, trades, and engine events in an
// embedded SQLite database behind the narrow repository interface the
// coordinators consume.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/liquidsnipe/engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id              TEXT PRIMARY KEY,
    token_address   TEXT NOT NULL,
    pool_address    TEXT NOT NULL,
    entry_price     REAL NOT NULL,
    amount_usd      REAL NOT NULL,
    entry_trade_id  TEXT NOT NULL,
    exit_trade_id   TEXT,
    entry_ts        DATETIME NOT NULL,
    exit_ts         DATETIME,
    exit_reason     TEXT,
    pnl_usd         REAL NOT NULL DEFAULT 0,
    pnl_pct         REAL NOT NULL DEFAULT 0,
    open            INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_positions_open ON positions(open);

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    position_id  TEXT,
    signature    TEXT,
    success      INTEGER NOT NULL,
    error        TEXT,
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
    address        TEXT PRIMARY KEY,
    dex            TEXT NOT NULL,
    token_a        TEXT,
    token_b        TEXT,
    first_seen     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    kind       TEXT NOT NULL,
    payload    TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// Store is the sqlite-backed repository.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
	path   string
}

// Open opens (and migrates) the database at path.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Named("storage").Info("database opened", zap.String("path", path))
	return &Store{logger: logger.Named("storage"), db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// AddPosition inserts a new open position and its entry trade row.
func (s *Store) AddPosition(ctx context.Context, pos types.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, token_address, pool_address, entry_price,
			amount_usd, entry_trade_id, entry_ts, open)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		pos.ID, pos.TokenAddress, pos.PoolAddress, pos.EntryPrice,
		pos.Amount, pos.EntryTradeID, pos.EntryTimestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades (id, position_id, success, created_at)
		VALUES (?, ?, 1, ?)`,
		pos.EntryTradeID, pos.ID, pos.EntryTimestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return tx.Commit()
}

// GetPosition fetches one position by id.
func (s *Store) GetPosition(ctx context.Context, id string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token_address, pool_address, entry_price, amount_usd,
			entry_trade_id, COALESCE(exit_trade_id, ''), entry_ts, exit_ts,
			COALESCE(exit_reason, ''), pnl_usd, pnl_pct, open
		FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// GetOpenPositions returns every open position.
func (s *Store) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_address, pool_address, entry_price, amount_usd,
			entry_trade_id, COALESCE(exit_trade_id, ''), entry_ts, exit_ts,
			COALESCE(exit_reason, ''), pnl_usd, pnl_pct, open
		FROM positions WHERE open = 1 ORDER BY entry_ts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// ClosePosition marks a position closed with its final PnL.
func (s *Store) ClosePosition(ctx context.Context, id, exitTradeID string, exitTs time.Time, pnlUSD, pnlPct float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET open = 0, exit_trade_id = ?, exit_ts = ?, pnl_usd = ?, pnl_pct = ?
		WHERE id = ? AND open = 1`,
		exitTradeID, exitTs.UTC(), pnlUSD, pnlPct, id,
	)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("position %s not open", id)
	}
	return nil
}

// RecordPool inserts a discovered pool; a pool already recorded is left
// unchanged.
func (s *Store) RecordPool(ctx context.Context, pool types.NewPoolEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pools (address, dex, token_a, token_b, first_seen)
		VALUES (?, ?, ?, ?, ?)`,
		pool.PoolAddress, pool.DEX, pool.TokenA, pool.TokenB, pool.Timestamp.UTC(),
	)
	return err
}

// RecordEvent appends one engine event for later diagnostics.
func (s *Store) RecordEvent(ctx context.Context, kind, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, payload, time.Now().UTC(),
	)
	return err
}

// CleanupOldEvents removes events older than the cutoff and returns the
// number of rows removed.
func (s *Store) CleanupOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Backup writes a consistent copy of the database into directory.
func (s *Store) Backup(ctx context.Context, directory string) error {
	if directory == "" {
		directory = filepath.Join(filepath.Dir(s.path), "backups")
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return err
	}
	target := filepath.Join(directory, fmt.Sprintf("engine-%s.db", time.Now().UTC().Format("20060102-150405")))
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, target)
	if err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var pos types.Position
	var exitTs sql.NullTime
	var open int
	err := row.Scan(
		&pos.ID, &pos.TokenAddress, &pos.PoolAddress, &pos.EntryPrice,
		&pos.Amount, &pos.EntryTradeID, &pos.ExitTradeID, &pos.EntryTimestamp,
		&exitTs, &pos.ExitReason, &pos.PnLUSD, &pos.PnLPercent, &open,
	)
	if err != nil {
		return nil, err
	}
	if exitTs.Valid {
		t := exitTs.Time
		pos.ExitTimestamp = &t
	}
	pos.Open = open == 1
	return &pos, nil
}
