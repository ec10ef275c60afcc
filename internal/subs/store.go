// Package subs implements the durable subscription store: the mapping of
// (channel, account) pairs to polling and filter configuration.
//
// The backing file is a single JSON snapshot keyed by channel ID. Every
// mutation rewrites the whole snapshot atomically (temp file + rename), so
// a crash mid-write never leaves a partial file behind. The in-memory view
// is only updated after the snapshot has been persisted, so a failed write
// aborts the mutation without applying it.
package subs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/lo"

	"xwatch/internal/model"
	"xwatch/internal/textutil"
)

type entry struct {
	Account         string   `json:"account"`
	IntervalSeconds int      `json:"interval_seconds,omitempty"`
	IntervalMinutes int      `json:"interval_minutes,omitempty"` // legacy field, read-only
	IncludeReposts  bool     `json:"include_reposts"`
	IncludeQuotes   bool     `json:"include_quotes"`
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	// LastTweetID is the legacy per-subscription watermark. It is imported
	// into the account cursor store once and preserved here untouched.
	LastTweetID string `json:"last_tweet_id,omitempty"`
}

type snapshot struct {
	Subscriptions map[string][]entry `json:"subscriptions"`
}

// Store is the subscription store. Safe for concurrent use; mutations are
// serialized by a single writer lock.
type Store struct {
	path            string
	defaultInterval int
	minInterval     int

	mu   sync.RWMutex
	data map[string][]entry
}

// Open loads the store from path, creating an empty snapshot file if none
// exists. Missing optional fields in an existing file default to empty
// values rather than failing the load.
func Open(path string, defaultIntervalSec, minIntervalSec int) (*Store, error) {
	s := &Store{
		path:            path,
		defaultInterval: defaultIntervalSec,
		minInterval:     minIntervalSec,
		data:            make(map[string][]entry),
	}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		if err := s.persist(s.data); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read subscriptions file: %w", err)
	default:
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("parse subscriptions file: %w", err)
		}
		if snap.Subscriptions != nil {
			s.data = snap.Subscriptions
		}
	}
	return s, nil
}

// NormalizeAccount canonicalizes a user-supplied account handle: trims
// whitespace and trailing slashes, accepts a full profile URL, and strips a
// leading @.
func NormalizeAccount(account string) (string, error) {
	candidate := strings.TrimSpace(account)
	candidate = strings.TrimRight(candidate, "/")
	if strings.HasPrefix(candidate, "https://") || strings.HasPrefix(candidate, "http://") {
		parts := strings.Split(candidate, "/")
		candidate = parts[len(parts)-1]
	}
	candidate = strings.TrimPrefix(candidate, "@")
	if candidate == "" {
		return "", fmt.Errorf("account name required")
	}
	return candidate, nil
}

// Add creates a new subscription. The subscription's ChannelID and Account
// identify the pair; a zero IntervalSeconds means the configured default.
// Returns model.ErrConflict if the pair already exists and
// model.ErrIntervalTooShort if the interval is below the minimum.
func (s *Store) Add(sub model.Subscription) (model.Subscription, error) {
	account, err := NormalizeAccount(sub.Account)
	if err != nil {
		return model.Subscription{}, err
	}
	interval := sub.IntervalSeconds
	if interval == 0 {
		interval = s.defaultInterval
	}
	if interval < s.minInterval {
		return model.Subscription{}, fmt.Errorf("%w: %d < %d seconds", model.ErrIntervalTooShort, interval, s.minInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(sub.ChannelID)
	if _, _, ok := findEntry(s.data[key], account); ok {
		return model.Subscription{}, fmt.Errorf("%w: %s in channel %d", model.ErrConflict, account, sub.ChannelID)
	}

	next := cloneData(s.data)
	next[key] = append(next[key], entry{
		Account:         account,
		IntervalSeconds: interval,
		IncludeReposts:  sub.IncludeReposts,
		IncludeQuotes:   sub.IncludeQuotes,
		IncludeKeywords: textutil.NormalizeKeywords(sub.IncludeKeywords),
		ExcludeKeywords: textutil.NormalizeKeywords(sub.ExcludeKeywords),
	})
	if err := s.persist(next); err != nil {
		return model.Subscription{}, err
	}
	s.data = next

	e, _, _ := findEntry(next[key], account)
	return s.toModel(sub.ChannelID, e), nil
}

// Edit merges a partial update over an existing subscription. Unset patch
// fields keep their previous values. Returns model.ErrNotFound if the pair
// does not exist.
func (s *Store) Edit(channelID int64, account string, patch model.SubscriptionPatch) (model.Subscription, error) {
	account, err := NormalizeAccount(account)
	if err != nil {
		return model.Subscription{}, err
	}
	if patch.IntervalSeconds != nil && *patch.IntervalSeconds < s.minInterval {
		return model.Subscription{}, fmt.Errorf("%w: %d < %d seconds", model.ErrIntervalTooShort, *patch.IntervalSeconds, s.minInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(channelID)
	_, idx, ok := findEntry(s.data[key], account)
	if !ok {
		return model.Subscription{}, fmt.Errorf("%w: %s in channel %d", model.ErrNotFound, account, channelID)
	}

	next := cloneData(s.data)
	e := &next[key][idx]
	if patch.IntervalSeconds != nil {
		e.IntervalSeconds = *patch.IntervalSeconds
		e.IntervalMinutes = 0
	}
	if patch.IncludeReposts != nil {
		e.IncludeReposts = *patch.IncludeReposts
	}
	if patch.IncludeQuotes != nil {
		e.IncludeQuotes = *patch.IncludeQuotes
	}
	if patch.IncludeKeywords != nil {
		e.IncludeKeywords = textutil.NormalizeKeywords(patch.IncludeKeywords)
	}
	if patch.ExcludeKeywords != nil {
		e.ExcludeKeywords = textutil.NormalizeKeywords(patch.ExcludeKeywords)
	}
	if err := s.persist(next); err != nil {
		return model.Subscription{}, err
	}
	s.data = next
	return s.toModel(channelID, next[key][idx]), nil
}

// Remove deletes a subscription. Returns model.ErrNotFound if absent.
func (s *Store) Remove(channelID int64, account string) error {
	account, err := NormalizeAccount(account)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(channelID)
	_, idx, ok := findEntry(s.data[key], account)
	if !ok {
		return fmt.Errorf("%w: %s in channel %d", model.ErrNotFound, account, channelID)
	}

	next := cloneData(s.data)
	next[key] = append(next[key][:idx], next[key][idx+1:]...)
	if len(next[key]) == 0 {
		delete(next, key)
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// ListChannel returns all subscriptions of one channel, in stored order.
func (s *Store) ListChannel(channelID int64) []model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Subscription
	for _, e := range s.data[channelKey(channelID)] {
		out = append(out, s.toModel(channelID, e))
	}
	return out
}

// ListByAccount returns every subscription watching the given account,
// across all channels, ordered by channel ID. The scheduler uses this to
// fan one fetch out to many channels.
func (s *Store) ListByAccount(account string) []model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Subscription
	for key, entries := range s.data {
		channelID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Account == account {
				out = append(out, s.toModel(channelID, e))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// AllAccounts returns the distinct accounts across all subscriptions,
// sorted. This determines what the scheduler polls.
func (s *Store) AllAccounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var accounts []string
	for _, entries := range s.data {
		for _, e := range entries {
			accounts = append(accounts, e.Account)
		}
	}
	accounts = lo.Uniq(accounts)
	sort.Strings(accounts)
	return accounts
}

// Counts returns the number of subscriptions and distinct accounts.
func (s *Store) Counts() (subscriptions, accounts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []string
	for _, entries := range s.data {
		subscriptions += len(entries)
		for _, e := range entries {
			all = append(all, e.Account)
		}
	}
	return subscriptions, len(lo.Uniq(all))
}

// LegacyCursorSeeds collects the legacy per-subscription last_tweet_id
// values, collapsed to one ordering key per account by taking the numeric
// maximum. The result feeds the one-time account cursor import.
func (s *Store) LegacyCursorSeeds() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seeds := make(map[string]int64)
	for _, entries := range s.data {
		for _, e := range entries {
			if e.LastTweetID == "" {
				continue
			}
			key, ok := model.ParseOrderKey(e.LastTweetID)
			if !ok {
				continue
			}
			if key > seeds[e.Account] {
				seeds[e.Account] = key
			}
		}
	}
	return seeds
}

func (s *Store) toModel(channelID int64, e entry) model.Subscription {
	interval := e.IntervalSeconds
	if interval <= 0 && e.IntervalMinutes > 0 {
		interval = e.IntervalMinutes * 60
	}
	if interval <= 0 {
		interval = s.defaultInterval
	}
	return model.Subscription{
		ChannelID:       channelID,
		Account:         e.Account,
		IntervalSeconds: interval,
		IncludeReposts:  e.IncludeReposts,
		IncludeQuotes:   e.IncludeQuotes,
		IncludeKeywords: append([]string(nil), e.IncludeKeywords...),
		ExcludeKeywords: append([]string(nil), e.ExcludeKeywords...),
	}
}

// persist writes the full snapshot atomically: marshal, write to a temp
// file in the same directory, fsync, rename over the old snapshot.
func (s *Store) persist(data map[string][]entry) error {
	payload, err := json.MarshalIndent(snapshot{Subscriptions: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".subscriptions-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func channelKey(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}

func findEntry(entries []entry, account string) (entry, int, bool) {
	for i, e := range entries {
		if e.Account == account {
			return e, i, true
		}
	}
	return entry{}, -1, false
}

func cloneData(data map[string][]entry) map[string][]entry {
	next := make(map[string][]entry, len(data))
	for key, entries := range data {
		next[key] = append([]entry(nil), entries...)
	}
	return next
}
