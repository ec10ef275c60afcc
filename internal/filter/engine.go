// Package filter implements the per-subscription delivery decision.
package filter

import (
	"strings"

	"xwatch/internal/model"
)

// Decision is the outcome of evaluating one item against one subscription.
type Decision int

// Possible decisions.
const (
	Suppress Decision = iota
	Deliver
)

func (d Decision) String() string {
	if d == Deliver {
		return "deliver"
	}
	return "suppress"
}

// Decide evaluates an item against a subscription's rules. Pure function,
// no side effects. Rules apply in order:
//
//  1. Reposts are suppressed unless the subscription includes them.
//  2. Quotes are suppressed unless the subscription includes them.
//  3. Any matching exclude keyword suppresses, before includes are
//     considered, so exclusion always wins.
//  4. A non-empty include list delivers only when at least one keyword
//     matches.
//
// Keywords are case-sensitive substrings of the item text, not whole
// words: a short keyword matches inside a longer word.
func Decide(item model.FeedItem, sub model.Subscription) Decision {
	if item.IsRepost && !sub.IncludeReposts {
		return Suppress
	}
	if item.IsQuote && !sub.IncludeQuotes {
		return Suppress
	}
	if matchesAny(item.Text, sub.ExcludeKeywords) {
		return Suppress
	}
	if len(sub.IncludeKeywords) > 0 && !matchesAny(item.Text, sub.IncludeKeywords) {
		return Suppress
	}
	return Deliver
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
