package feed

import (
	"strings"
	"unicode"
)

// isRepost reports whether the post text marks a retweet. RSSHub renders
// retweets with a leading "RT" or "リツイート" line.
func isRepost(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		candidate := strings.ToLower(strings.TrimSpace(line))
		if candidate == "" {
			continue
		}
		if strings.HasPrefix(candidate, "リツイート") {
			return true
		}
		if strings.HasPrefix(candidate, "rt") {
			rest := candidate[2:]
			if rest == "" {
				return true
			}
			r := []rune(rest)[0]
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				return true
			}
		}
	}
	return false
}

// isQuote reports whether the post quotes another post. The stripped text
// carries a "quote tweet" / 引用 marker; the raw HTML may carry an
// rsshub-quote class instead.
func isQuote(text, rawHTML string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "quote tweet") ||
		strings.Contains(lower, "quoted tweet") ||
		strings.Contains(lower, "引用") {
		return true
	}
	return strings.Contains(strings.ToLower(rawHTML), "rsshub-quote")
}
