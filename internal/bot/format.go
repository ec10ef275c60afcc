package bot

import (
	"fmt"
	"strings"

	"xwatch/internal/model"
)

const maxNotificationText = 300

// FormatNotification formats a feed item as a chat message.
func FormatNotification(item model.FeedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@%s", item.Account)

	text := item.Text
	if len(text) > maxNotificationText {
		text = truncate(text, maxNotificationText) + "..."
	}
	if text != "" {
		b.WriteString("\n\n")
		b.WriteString(text)
	}
	if item.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(RewriteLink(item.Link))
	}
	return b.String()
}

// RewriteLink swaps x.com for fxtwitter.com so chat clients render a
// proper preview.
func RewriteLink(link string) string {
	return strings.Replace(link, "https://x.com/", "https://fxtwitter.com/", 1)
}

// FormatSubscriptionList formats a channel's subscriptions for display.
func FormatSubscriptionList(subsList []model.Subscription) string {
	if len(subsList) == 0 {
		return "No accounts watched in this chat. Use /add <account> to start."
	}
	var b strings.Builder
	b.WriteString("Watched accounts:\n")
	for _, sub := range subsList {
		fmt.Fprintf(&b, "\n@%s  (every %ds)\n", sub.Account, sub.IntervalSeconds)
		fmt.Fprintf(&b, "   reposts: %s, quotes: %s\n", toggleLabel(sub.IncludeReposts), toggleLabel(sub.IncludeQuotes))
		if len(sub.IncludeKeywords) > 0 {
			fmt.Fprintf(&b, "   include: %s\n", strings.Join(sub.IncludeKeywords, ", "))
		}
		if len(sub.ExcludeKeywords) > 0 {
			fmt.Fprintf(&b, "   exclude: %s\n", strings.Join(sub.ExcludeKeywords, ", "))
		}
	}
	return b.String()
}

// FormatSubscription formats one subscription as a confirmation line.
func FormatSubscription(sub model.Subscription) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("every %ds", sub.IntervalSeconds))
	parts = append(parts, "reposts "+toggleLabel(sub.IncludeReposts))
	parts = append(parts, "quotes "+toggleLabel(sub.IncludeQuotes))
	if len(sub.IncludeKeywords) > 0 {
		parts = append(parts, "include: "+strings.Join(sub.IncludeKeywords, ", "))
	}
	if len(sub.ExcludeKeywords) > 0 {
		parts = append(parts, "exclude: "+strings.Join(sub.ExcludeKeywords, ", "))
	}
	return fmt.Sprintf("@%s (%s)", sub.Account, strings.Join(parts, "; "))
}

func toggleLabel(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
