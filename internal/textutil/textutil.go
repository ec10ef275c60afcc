// Package textutil provides text normalization helpers shared by the
// subscription store, the feed client, and the command parser.
package textutil

import (
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	htmlTagRe      = regexp.MustCompile(`<[^>]+>`)
	keywordSplitRe = regexp.MustCompile(`[\n,]+`)
)

// Normalize applies Unicode NFKC normalization and trims surrounding
// whitespace. NFKC folds width variants (full-width latin, half-width kana)
// so that keywords match regardless of input method. Case is preserved:
// keyword matching is case-sensitive.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(norm.NFKC.String(s))
}

// StripHTML unescapes HTML entities and removes markup tags.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(htmlTagRe.ReplaceAllString(html.UnescapeString(s), " "))
}

// NormalizeKeywords normalizes each keyword and drops empties.
func NormalizeKeywords(values []string) []string {
	var out []string
	for _, v := range values {
		if kw := Normalize(v); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// ParseKeywordList splits comma- or newline-separated user input into a
// normalized keyword list. Empty input yields nil.
func ParseKeywordList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NormalizeKeywords(keywordSplitRe.Split(s, -1))
}
