package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"xwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Ledger backed by a SQLite database.
type SQLite struct {
	db       *sql.DB
	capacity int

	// Per-channel locks serialize append+evict for one channel so that
	// eviction order matches append order. Different channels take
	// different locks and do not contend.
	chanMu   sync.Mutex
	chanLock map[int64]*sync.Mutex
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// A capacity of 0 means DefaultCapacity.
func NewSQLite(dsn string, capacity int) (*SQLite, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{
		db:       db,
		capacity: capacity,
		chanLock: make(map[int64]*sync.Mutex),
	}, nil
}

// Close closes the underlying database connection.
func (l *SQLite) Close() error {
	return l.db.Close()
}

// HasDelivered reports whether the item was already delivered to the channel.
func (l *SQLite) HasDelivered(ctx context.Context, channelID int64, itemID string) (bool, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivered_items WHERE channel_id = ? AND item_id = ?`,
		channelID, itemID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// RecordDelivered appends the item to the channel's history and evicts the
// oldest entries beyond the capacity.
func (l *SQLite) RecordDelivered(ctx context.Context, channelID int64, itemID string) error {
	lock := l.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO delivered_items (channel_id, item_id, delivered_at) VALUES (?, ?, ?)`,
		channelID, itemID, now,
	); err != nil {
		return fmt.Errorf("record delivered: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM delivered_items
		 WHERE channel_id = ?
		   AND seq NOT IN (
		       SELECT seq FROM delivered_items
		       WHERE channel_id = ?
		       ORDER BY seq DESC
		       LIMIT ?)`,
		channelID, channelID, l.capacity,
	); err != nil {
		return fmt.Errorf("evict delivered: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivered: %w", err)
	}
	return nil
}

// Cursor returns the account's last processed ordering key.
func (l *SQLite) Cursor(ctx context.Context, account string) (int64, bool, error) {
	var key int64
	err := l.db.QueryRowContext(ctx,
		`SELECT last_key FROM account_cursors WHERE account = ?`, account,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return key, true, nil
}

// SetCursor stores the account's last processed ordering key.
func (l *SQLite) SetCursor(ctx context.Context, account string, key int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO account_cursors (account, last_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account) DO UPDATE SET last_key = excluded.last_key, updated_at = excluded.updated_at`,
		account, key, now,
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// SeedCursor raises the account's cursor to key without ever lowering it.
func (l *SQLite) SeedCursor(ctx context.Context, account string, key int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO account_cursors (account, last_key, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account) DO UPDATE SET last_key = excluded.last_key, updated_at = excluded.updated_at
		 WHERE excluded.last_key > account_cursors.last_key`,
		account, key, now,
	)
	if err != nil {
		return fmt.Errorf("seed cursor: %w", err)
	}
	return nil
}

// ImportLegacyCursors seeds account cursors from legacy per-subscription
// last-seen IDs. Safe to run on every startup: seeding never lowers an
// existing cursor, so repeat imports are no-ops.
func (l *SQLite) ImportLegacyCursors(ctx context.Context, seeds map[string]int64) error {
	for account, key := range seeds {
		if err := l.SeedCursor(ctx, account, key); err != nil {
			return fmt.Errorf("import cursor for %s: %w", account, err)
		}
	}
	return nil
}

func (l *SQLite) channelLock(channelID int64) *sync.Mutex {
	l.chanMu.Lock()
	defer l.chanMu.Unlock()
	lock, ok := l.chanLock[channelID]
	if !ok {
		lock = &sync.Mutex{}
		l.chanLock[channelID] = lock
	}
	return lock
}
