// Package ledger defines the delivery ledger: the durable per-channel
// record of delivered items and the per-account polling cursors.
package ledger

import "context"

// DefaultCapacity is how many delivered item IDs each channel retains.
// When exceeded, the oldest entry is evicted first.
const DefaultCapacity = 1000

// Ledger is the interface for delivery dedup state and account cursors.
// All writes are durable immediately; there is no batching window.
type Ledger interface {
	// HasDelivered reports whether the item was already delivered to the
	// channel.
	HasDelivered(ctx context.Context, channelID int64, itemID string) (bool, error)
	// RecordDelivered appends the item to the channel's history, evicting
	// the oldest entries beyond the capacity. Calls for the same channel
	// are serialized; calls for different channels do not contend.
	RecordDelivered(ctx context.Context, channelID int64, itemID string) error

	// Cursor returns the account's last processed ordering key.
	// ok is false when the account has never been polled.
	Cursor(ctx context.Context, account string) (key int64, ok bool, err error)
	// SetCursor stores the account's last processed ordering key.
	SetCursor(ctx context.Context, account string, key int64) error
	// SeedCursor raises the account's cursor to key, but never lowers it.
	// Running the same import twice yields the same cursor, which makes
	// the legacy last_tweet_id migration idempotent.
	SeedCursor(ctx context.Context, account string, key int64) error

	Close() error
}
