// Package scheduler runs one recurring poll task per tracked account,
// fanning fetched items out to every subscribed channel.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"xwatch/internal/feed"
	"xwatch/internal/filter"
	"xwatch/internal/ledger"
	"xwatch/internal/model"
)

const (
	defaultReconcileInterval = 5 * time.Second
	// defaultFetchTimeout bounds one feed fetch. A stuck upstream
	// connection must not wedge its task: reconciliation and shutdown
	// both wait on task exit.
	defaultFetchTimeout = 30 * time.Second
)

// Fetcher is the interface for fetching an account's feed.
type Fetcher interface {
	Fetch(ctx context.Context, account string, limit int) ([]model.FeedItem, error)
}

// Notifier is the interface for pushing an item into a channel.
type Notifier interface {
	Deliver(ctx context.Context, channelID int64, item model.FeedItem) error
}

// SubscriptionSource is the scheduler's read view of the subscription store.
type SubscriptionSource interface {
	AllAccounts() []string
	ListByAccount(account string) []model.Subscription
}

// Scheduler owns the per-account poll tasks. Each account runs on its own
// goroutine with a period equal to the minimum interval among that
// account's subscriptions; one fetch serves every subscribed channel.
// Accounts never block each other.
type Scheduler struct {
	subs         SubscriptionSource
	ledger       ledger.Ledger
	fetcher      Fetcher
	notifier     Notifier
	log          *slog.Logger
	reconcile    time.Duration
	fetchTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	account  string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler polling through the given RSSHub client settings.
func New(subs SubscriptionSource, led ledger.Ledger, baseURL string, refreshSeconds int, notifier Notifier, log *slog.Logger) *Scheduler {
	client := &http.Client{Timeout: defaultFetchTimeout}
	return NewWithFetcher(subs, led, feed.New(client, baseURL, refreshSeconds), notifier, log)
}

// NewWithFetcher creates a Scheduler with a custom fetcher (useful for testing).
func NewWithFetcher(subs SubscriptionSource, led ledger.Ledger, fetcher Fetcher, notifier Notifier, log *slog.Logger) *Scheduler {
	return &Scheduler{
		subs:         subs,
		ledger:       led,
		fetcher:      fetcher,
		notifier:     notifier,
		log:          log,
		reconcile:    defaultReconcileInterval,
		fetchTimeout: defaultFetchTimeout,
		tasks:        make(map[string]*task),
	}
}

// SetReconcileInterval overrides how often the task set is synced against
// the subscription store.
func (s *Scheduler) SetReconcileInterval(d time.Duration) {
	s.reconcile = d
}

// Run starts the scheduler, blocking until ctx is cancelled. On shutdown,
// in-flight poll cycles finish their fetch-process-persist unit before the
// call returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.syncTasks(ctx)

	ticker := time.NewTicker(s.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.syncTasks(ctx)
		}
	}
}

// syncTasks reconciles the running tasks against the subscription store:
// starts tasks for new accounts, stops tasks whose last subscription was
// removed, and restarts tasks whose effective interval changed.
func (s *Scheduler) syncTasks(ctx context.Context) {
	desired := make(map[string]time.Duration)
	for _, account := range s.subs.AllAccounts() {
		subsList := s.subs.ListByAccount(account)
		if len(subsList) == 0 {
			continue
		}
		intervals := lo.Map(subsList, func(sub model.Subscription, _ int) time.Duration {
			return sub.Interval()
		})
		desired[account] = lo.Min(intervals)
	}

	s.mu.Lock()
	var stop []*task
	for account, t := range s.tasks {
		interval, keep := desired[account]
		if keep && interval == t.interval {
			delete(desired, account)
			continue
		}
		stop = append(stop, t)
		delete(s.tasks, account)
	}
	s.mu.Unlock()

	for _, t := range stop {
		t.cancel()
		<-t.done
		s.log.Info("stopped poll task", "account", t.account)
	}

	for account, interval := range desired {
		s.startTask(ctx, account, interval)
	}
}

func (s *Scheduler) startTask(ctx context.Context, account string, interval time.Duration) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{
		account:  account,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.tasks[account] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(taskCtx, t)
	}()
	s.log.Info("started poll task", "account", account, "interval", interval)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	s.wg.Wait()
}

// runTask is the per-account poll loop. The first cycle runs immediately;
// later cycles are delayed by the interval, or by a backoff delay after a
// fetch failure. Cancellation stops future cycles; a cycle already under
// way runs to completion so the ledger is never left half-written.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer close(t.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = maxDuration(t.interval, time.Minute)
	bo.MaxInterval = 16 * bo.InitialInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			delay := s.runCycle(context.WithoutCancel(ctx), t, bo)
			timer.Reset(delay)
		}
	}
}

// runCycle performs one fetch-process-persist unit for the account and
// returns the delay until the next cycle.
func (s *Scheduler) runCycle(ctx context.Context, t *task, bo backoff.BackOff) time.Duration {
	subsList := s.subs.ListByAccount(t.account)
	if len(subsList) == 0 {
		// Last subscription removed; reconciliation will stop this task.
		return t.interval
	}

	cursor, seen, err := s.ledger.Cursor(ctx, t.account)
	if err != nil {
		s.log.Error("load cursor", "account", t.account, "error", err)
		return t.interval
	}

	limit := feed.PollLimit
	if !seen {
		limit = feed.SeedLimit
	}

	// The cycle survives shutdown cancellation, so the fetch gets its own
	// deadline instead.
	fetchCtx, cancelFetch := context.WithTimeout(ctx, s.fetchTimeout)
	items, err := s.fetcher.Fetch(fetchCtx, t.account, limit)
	cancelFetch()
	if err != nil {
		return s.fetchFailureDelay(t, bo, err)
	}
	bo.Reset()

	if len(items) == 0 {
		return t.interval
	}
	newest := items[len(items)-1].OrderKey

	if !seen {
		// First poll for this account: seed the cursor to the newest item
		// and deliver nothing, so a fresh subscription does not replay the
		// account's backlog.
		if err := s.ledger.SetCursor(ctx, t.account, newest); err != nil {
			s.log.Error("seed cursor", "account", t.account, "error", err)
			return t.interval
		}
		s.log.Info("seeded cursor", "account", t.account, "key", newest)
		return t.interval
	}

	// Items arrive sorted ascending; deliver oldest first so each channel
	// sees chronological order.
	for _, item := range items {
		if item.OrderKey <= cursor {
			continue
		}
		s.dispatch(ctx, item, subsList)
	}

	if newest > cursor {
		if err := s.ledger.SetCursor(ctx, t.account, newest); err != nil {
			s.log.Error("advance cursor", "account", t.account, "key", newest, "error", err)
		}
	}
	return t.interval
}

// dispatch fans one new item out to every subscription of its account.
// The ledger is written before the notifier is called: a failed delivery
// is logged and counted as delivered rather than retried, while a failed
// ledger write is logged as a duplicate risk and the item is still sent.
func (s *Scheduler) dispatch(ctx context.Context, item model.FeedItem, subsList []model.Subscription) {
	for _, sub := range subsList {
		if filter.Decide(item, sub) != filter.Deliver {
			continue
		}

		delivered, err := s.ledger.HasDelivered(ctx, sub.ChannelID, item.ID)
		if err != nil {
			s.log.Error("check delivered", "channel", sub.ChannelID, "item", item.ID, "error", err)
			continue
		}
		if delivered {
			continue
		}

		if err := s.ledger.RecordDelivered(ctx, sub.ChannelID, item.ID); err != nil {
			// The item goes out anyway; if the process crashes before the
			// next successful write the channel may see it twice.
			s.log.Error("record delivered, duplicate risk",
				"channel", sub.ChannelID, "item", item.ID, "error", err)
		}

		if err := s.notifier.Deliver(ctx, sub.ChannelID, item); err != nil {
			s.log.Error("deliver", "channel", sub.ChannelID, "item", item.ID, "error", err)
			continue
		}
		s.log.Debug("delivered", "channel", sub.ChannelID, "account", item.Account, "item", item.ID)
	}
}

// fetchFailureDelay maps a fetch error to the delay before the next try.
// 429 honors Retry-After (never shorter than the backoff), 403 defers at
// least a minute, anything else backs off exponentially.
func (s *Scheduler) fetchFailureDelay(t *task, bo backoff.BackOff, err error) time.Duration {
	var statusErr *feed.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusTooManyRequests:
			delay := maxDuration(statusErr.RetryAfter, bo.NextBackOff())
			s.log.Warn("rate limited", "account", t.account, "delay", delay)
			return delay
		case http.StatusForbidden:
			delay := maxDuration(t.interval, time.Minute)
			s.log.Warn("access denied", "account", t.account, "delay", delay)
			return delay
		}
	}
	delay := bo.NextBackOff()
	s.log.Warn("fetch failed", "account", t.account, "delay", delay, "error", err)
	return delay
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
