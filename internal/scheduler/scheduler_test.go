package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"

	"xwatch/internal/feed"
	"xwatch/internal/ledger"
	"xwatch/internal/model"
	"xwatch/internal/subs"
)

type fakeFetcher struct {
	mu     sync.Mutex
	items  []model.FeedItem // ascending by OrderKey, like the real client
	err    error
	calls  int
	limits []int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string, limit int) ([]model.FeedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	items := f.items
	if limit < len(items) {
		items = items[len(items)-limit:]
	}
	return append([]model.FeedItem(nil), items...), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type delivery struct {
	ChannelID int64
	ItemID    string
}

type fakeNotifier struct {
	mu         sync.Mutex
	err        error
	deliveries []delivery
}

func (n *fakeNotifier) Deliver(_ context.Context, channelID int64, item model.FeedItem) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.deliveries = append(n.deliveries, delivery{ChannelID: channelID, ItemID: item.ID})
	return nil
}

func (n *fakeNotifier) all() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.deliveries...)
}

func testItems() []model.FeedItem {
	return []model.FeedItem{
		{ID: "1001", Account: "nasa", Text: "hello world", OrderKey: 1001},
		{ID: "1002", Account: "nasa", Text: "新作情報だけどネタバレ注意", OrderKey: 1002},
		{ID: "1003", Account: "nasa", Text: "check this thread", OrderKey: 1003, IsQuote: true},
		{ID: "1004", Account: "nasa", Text: "RT @astro: booster landed", OrderKey: 1004, IsRepost: true},
		{ID: "1005", Account: "nasa", Text: "launch today", OrderKey: 1005},
	}
}

func newTestScheduler(t *testing.T, fetcher Fetcher, notifier Notifier) (*Scheduler, *subs.Store, *ledger.SQLite) {
	t.Helper()

	dir := t.TempDir()
	store, err := subs.Open(filepath.Join(dir, "subscriptions.json"), 60, 60)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	led, err := ledger.NewSQLite(filepath.Join(dir, "ledger.db"), 0)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithFetcher(store, led, fetcher, notifier, log), store, led
}

func runOneCycle(s *Scheduler, account string) time.Duration {
	t := &task{account: account, interval: time.Minute}
	return s.runCycle(context.Background(), t, backoff.NewExponentialBackOff())
}

func TestFirstCycleSeedsWithoutDelivering(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	runOneCycle(s, "nasa")

	if got := notifier.all(); len(got) != 0 {
		t.Errorf("first cycle delivered %v, want nothing", got)
	}
	if fetcher.limits[0] != feed.SeedLimit {
		t.Errorf("first fetch limit = %d, want %d", fetcher.limits[0], feed.SeedLimit)
	}
	key, seen, err := led.Cursor(context.Background(), "nasa")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !seen || key != 1005 {
		t.Errorf("cursor = (%d, %v), want seeded to (1005, true)", key, seen)
	}
}

func TestDeliversNewItemsInOrder(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	ctx := context.Background()
	if _, err := store.Add(model.Subscription{
		ChannelID:      100,
		Account:        "nasa",
		IncludeReposts: true,
		IncludeQuotes:  true,
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	runOneCycle(s, "nasa")

	want := []delivery{
		{ChannelID: 100, ItemID: "1002"},
		{ChannelID: 100, ItemID: "1003"},
		{ChannelID: 100, ItemID: "1004"},
		{ChannelID: 100, ItemID: "1005"},
	}
	if diff := cmp.Diff(want, notifier.all()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	if fetcher.limits[0] != feed.PollLimit {
		t.Errorf("fetch limit = %d, want %d", fetcher.limits[0], feed.PollLimit)
	}
	key, _, err := led.Cursor(ctx, "nasa")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if key != 1005 {
		t.Errorf("cursor = %d, want 1005", key)
	}
}

func TestSuppressedItemsStillAdvanceCursor(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	ctx := context.Background()
	// Defaults suppress the repost and the quote; the exclude keyword
	// suppresses 1002, leaving only 1005.
	if _, err := store.Add(model.Subscription{
		ChannelID:       100,
		Account:         "nasa",
		ExcludeKeywords: []string{"ネタバレ"},
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	runOneCycle(s, "nasa")

	want := []delivery{{ChannelID: 100, ItemID: "1005"}}
	if diff := cmp.Diff(want, notifier.all()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	key, _, err := led.Cursor(ctx, "nasa")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if key != 1005 {
		t.Errorf("cursor = %d, want 1005 even when items are suppressed", key)
	}
}

func TestLedgerPreventsRedelivery(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	ctx := context.Background()
	if _, err := store.Add(model.Subscription{
		ChannelID:      100,
		Account:        "nasa",
		IncludeReposts: true,
		IncludeQuotes:  true,
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	runOneCycle(s, "nasa")
	first := len(notifier.all())

	// Rewind the cursor to simulate a replayed window; the delivery
	// ledger must still stop the duplicates.
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("rewind cursor: %v", err)
	}
	runOneCycle(s, "nasa")

	if got := len(notifier.all()); got != first {
		t.Errorf("deliveries after replay = %d, want %d", got, first)
	}
}

func TestFanOutSharesOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	ctx := context.Background()
	if _, err := store.Add(model.Subscription{
		ChannelID:       1,
		Account:         "nasa",
		IncludeKeywords: []string{"新作"},
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if _, err := store.Add(model.Subscription{
		ChannelID:      2,
		Account:        "nasa",
		IncludeReposts: true,
		IncludeQuotes:  true,
	}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	runOneCycle(s, "nasa")

	if got := fetcher.callCount(); got != 1 {
		t.Errorf("fetch calls = %d, want one fetch for both channels", got)
	}
	want := []delivery{
		{ChannelID: 1, ItemID: "1002"},
		{ChannelID: 2, ItemID: "1002"},
		{ChannelID: 2, ItemID: "1003"},
		{ChannelID: 2, ItemID: "1004"},
		{ChannelID: 2, ItemID: "1005"},
	}
	if diff := cmp.Diff(want, notifier.all()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestNoSubscriptionsSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	s, _, _ := newTestScheduler(t, fetcher, &fakeNotifier{})

	if got := runOneCycle(s, "nasa"); got != time.Minute {
		t.Errorf("delay = %v, want the task interval", got)
	}
	if got := fetcher.callCount(); got != 0 {
		t.Errorf("fetch calls = %d, want 0 without subscriptions", got)
	}
}

func TestFetchFailureLeavesStateUntouched(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	notifier := &fakeNotifier{}
	s, store, led := newTestScheduler(t, fetcher, notifier)

	ctx := context.Background()
	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := led.SetCursor(ctx, "nasa", 1001); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	delay := runOneCycle(s, "nasa")
	if delay <= 0 {
		t.Errorf("delay = %v, want a positive backoff delay", delay)
	}
	if got := notifier.all(); len(got) != 0 {
		t.Errorf("deliveries = %v, want none after fetch failure", got)
	}
	key, _, err := led.Cursor(ctx, "nasa")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if key != 1001 {
		t.Errorf("cursor = %d, want unchanged 1001", key)
	}

	// The next successful cycle picks up where the cursor left off.
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.items = testItems()
	fetcher.mu.Unlock()
	runOneCycle(s, "nasa")
	want := []delivery{
		{ChannelID: 100, ItemID: "1002"},
		{ChannelID: 100, ItemID: "1005"},
	}
	if diff := cmp.Diff(want, notifier.all()); diff != "" {
		t.Errorf("deliveries after recovery mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchFailureDelay(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeFetcher{}, &fakeNotifier{})
	tsk := &task{account: "nasa", interval: 2 * time.Minute}

	t.Run("rate limit honors retry-after", func(t *testing.T) {
		err := &feed.StatusError{Code: http.StatusTooManyRequests, RetryAfter: 10 * time.Minute}
		delay := s.fetchFailureDelay(tsk, backoff.NewExponentialBackOff(), err)
		if delay < 10*time.Minute {
			t.Errorf("delay = %v, want at least the Retry-After value", delay)
		}
	})

	t.Run("forbidden defers by interval", func(t *testing.T) {
		err := &feed.StatusError{Code: http.StatusForbidden}
		delay := s.fetchFailureDelay(tsk, backoff.NewExponentialBackOff(), err)
		if delay != 2*time.Minute {
			t.Errorf("delay = %v, want the task interval", delay)
		}
	})

	t.Run("other errors back off", func(t *testing.T) {
		bo := backoff.NewExponentialBackOff()
		first := s.fetchFailureDelay(tsk, bo, errors.New("boom"))
		if first <= 0 {
			t.Errorf("delay = %v, want positive", first)
		}
	})
}

func TestSyncTasksLifecycle(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	s, store, _ := newTestScheduler(t, fetcher, &fakeNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.stopAll()

	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa", IntervalSeconds: 120}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if _, err := store.Add(model.Subscription{ChannelID: 200, Account: "nasa", IntervalSeconds: 60}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "spacex"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	s.syncTasks(ctx)

	if got, want := taskInterval(s, "nasa"), time.Minute; got != want {
		t.Errorf("nasa interval = %v, want the minimum across channels %v", got, want)
	}
	if got := taskInterval(s, "spacex"); got != time.Minute {
		t.Errorf("spacex interval = %v, want %v", got, time.Minute)
	}

	// Raising the only 60s subscription restarts the task with the new
	// effective interval.
	interval := 300
	if _, err := store.Edit(200, "nasa", model.SubscriptionPatch{IntervalSeconds: &interval}); err != nil {
		t.Fatalf("edit subscription: %v", err)
	}
	s.syncTasks(ctx)
	if got, want := taskInterval(s, "nasa"), 2*time.Minute; got != want {
		t.Errorf("nasa interval after edit = %v, want %v", got, want)
	}

	// Removing the last subscription stops the task.
	if err := store.Remove(100, "spacex"); err != nil {
		t.Fatalf("remove subscription: %v", err)
	}
	s.syncTasks(ctx)
	if got := taskInterval(s, "spacex"); got != 0 {
		t.Error("spacex task still running after last subscription removed")
	}
}

func taskInterval(s *Scheduler, account string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[account]; ok {
		return t.interval
	}
	return 0
}

// blockingFetcher hangs until its context is done, like a stalled TCP
// connection on a client without a timeout.
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) Fetch(ctx context.Context, _ string, _ int) ([]model.FeedItem, error) {
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStuckFetchCannotWedgeShutdown(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{})}
	s, store, _ := newTestScheduler(t, fetcher, &fakeNotifier{})
	s.fetchTimeout = 50 * time.Millisecond

	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	<-fetcher.started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return: a hanging fetch blocked shutdown")
	}
}

// slowFetcher delays each fetch so a cycle can be caught in flight.
type slowFetcher struct {
	items   []model.FeedItem
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (f *slowFetcher) Fetch(_ context.Context, _ string, limit int) ([]model.FeedItem, error) {
	f.once.Do(func() { close(f.started) })
	time.Sleep(f.delay)
	items := f.items
	if limit < len(items) {
		items = items[len(items)-limit:]
	}
	return append([]model.FeedItem(nil), items...), nil
}

func TestRunFinishesInFlightCycle(t *testing.T) {
	fetcher := &slowFetcher{items: testItems(), delay: 150 * time.Millisecond, started: make(chan struct{})}
	s, store, led := newTestScheduler(t, fetcher, &fakeNotifier{})

	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Cancel while the first cycle's fetch is still in flight.
	<-fetcher.started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// By the time Run has returned, the interrupted cycle must have
	// completed its fetch-process-persist unit.
	key, seen, err := led.Cursor(context.Background(), "nasa")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !seen || key != 1005 {
		t.Errorf("cursor = (%d, %v), want the in-flight cycle to have seeded (1005, true)", key, seen)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{items: testItems()}
	s, store, _ := newTestScheduler(t, fetcher, &fakeNotifier{})
	s.SetReconcileInterval(10 * time.Millisecond)

	if _, err := store.Add(model.Subscription{ChannelID: 100, Account: "nasa"}); err != nil {
		t.Fatalf("add subscription: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if got := fetcher.callCount(); got == 0 {
		t.Error("scheduler never polled while running")
	}
}
