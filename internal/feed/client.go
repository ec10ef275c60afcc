// Package feed fetches an account's posts from an RSSHub instance and
// normalizes them into domain items.
package feed

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"xwatch/internal/model"
	"xwatch/internal/textutil"
)

// Fetch limits. The first poll of an account only needs the newest item to
// seed its cursor; later polls look a little deeper.
const (
	SeedLimit  = 1
	PollLimit  = 5
	MaxResults = 100
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-OK HTTP response from the feed source.
// RetryAfter carries the parsed Retry-After header on 429 responses.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed source returned status %d", e.Code)
}

// Client fetches and parses account feeds from RSSHub.
type Client struct {
	client  HTTPClient
	baseURL string
	// refreshSeconds is passed to RSSHub as the refresh query parameter.
	// Zero means use RSSHub's default cache.
	refreshSeconds int
}

// New creates a Client against the given RSSHub base URL.
func New(client HTTPClient, baseURL string, refreshSeconds int) *Client {
	return &Client{
		client:         client,
		baseURL:        baseURL,
		refreshSeconds: refreshSeconds,
	}
}

// Fetch downloads up to limit posts for the account, oldest first.
// The RSSHub feed arrives newest first; the result is re-sorted ascending
// by ordering key so callers can process chronologically.
func (c *Client) Fetch(ctx context.Context, account string, limit int) ([]model.FeedItem, error) {
	if limit < SeedLimit {
		limit = SeedLimit
	}
	if limit > MaxResults {
		limit = MaxResults
	}

	reqURL := fmt.Sprintf("%s/twitter/user/%s", c.baseURL, url.PathEscape(account))
	if c.refreshSeconds > 0 {
		reqURL += "?refresh=" + strconv.Itoa(c.refreshSeconds)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "xwatch/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]model.FeedItem, 0, limit)
	for i, entry := range parsed.Items {
		if i >= limit {
			break
		}
		items = append(items, toFeedItem(entry, account))
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].OrderKey < items[j].OrderKey })
	return items, nil
}

func toFeedItem(entry *gofeed.Item, account string) model.FeedItem {
	raw := entry.Description
	if raw == "" {
		raw = entry.Content
	}
	if raw == "" {
		raw = entry.Title
	}
	text := textutil.Normalize(textutil.StripHTML(raw))

	link := entry.Link
	if link == "" {
		link = "https://x.com/" + account
	}

	id := ItemID(entry, account)
	item := model.FeedItem{
		ID:       id,
		Account:  account,
		Text:     text,
		Link:     link,
		IsRepost: isRepost(text),
		IsQuote:  isQuote(text, raw),
	}
	if entry.PublishedParsed != nil {
		item.Published = entry.PublishedParsed.UTC()
	}
	// Hashed IDs carry no status number; digits inside the hex would
	// parse as a meaningless key, so those items order by publish time.
	item.OrderKey = item.Published.Unix()
	if !strings.HasPrefix(id, hashIDPrefix) {
		if key, ok := model.ParseOrderKey(id); ok {
			item.OrderKey = key
		}
	}
	return item
}

const hashIDPrefix = "sha256:"

// ItemID returns the stable identifier for a feed entry: GUID, then link,
// then a SHA-256 hash of the account and title.
func ItemID(entry *gofeed.Item, account string) string {
	if entry.GUID != "" {
		return entry.GUID
	}
	if entry.Link != "" {
		return entry.Link
	}
	h := sha256.Sum256([]byte(account + "|" + entry.Title))
	return fmt.Sprintf("%s%x", hashIDPrefix, h[:16])
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
