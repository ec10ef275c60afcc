// Package model defines the domain types used across the application.
package model

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

// Validation errors surfaced to the command layer.
var (
	// ErrConflict is returned when a (channel, account) pair already exists.
	ErrConflict = errors.New("subscription already exists")
	// ErrNotFound is returned when a (channel, account) pair does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrIntervalTooShort is returned when a requested polling interval is
	// below the configured minimum.
	ErrIntervalTooShort = errors.New("polling interval below minimum")
)

// Subscription pairs a chat channel with a tracked account and carries the
// polling and filtering configuration for that pair.
type Subscription struct {
	ChannelID       int64
	Account         string
	IntervalSeconds int
	IncludeReposts  bool
	IncludeQuotes   bool
	IncludeKeywords []string
	ExcludeKeywords []string
}

// Interval returns the polling interval as a duration.
func (s Subscription) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// SubscriptionPatch describes a partial update to a subscription.
// Nil fields keep their previous values.
type SubscriptionPatch struct {
	IntervalSeconds *int
	IncludeReposts  *bool
	IncludeQuotes   *bool
	IncludeKeywords []string
	ExcludeKeywords []string
}

// IsZero reports whether the patch changes nothing.
func (p SubscriptionPatch) IsZero() bool {
	return p.IntervalSeconds == nil &&
		p.IncludeReposts == nil &&
		p.IncludeQuotes == nil &&
		p.IncludeKeywords == nil &&
		p.ExcludeKeywords == nil
}

// FeedItem is a single post fetched from an account's feed.
// Immutable once fetched. OrderKey is monotonically comparable across the
// items of one account: the numeric status ID when the feed provides one,
// otherwise the published time in Unix seconds.
type FeedItem struct {
	ID        string
	Account   string
	Text      string
	Link      string
	OrderKey  int64
	Published time.Time
	IsRepost  bool
	IsQuote   bool
}

// statusIDRe captures the trailing run of digits in a status ID or URL.
var statusIDRe = regexp.MustCompile(`(\d+)\D*$`)

// ParseOrderKey extracts the numeric ordering key from a status ID or
// status URL. Status IDs are snowflakes, so numeric comparison preserves
// publication order.
func ParseOrderKey(id string) (int64, bool) {
	m := statusIDRe.FindStringSubmatch(id)
	if m == nil {
		return 0, false
	}
	key, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return key, true
}
