package bot

import (
	"fmt"
	"strconv"
	"strings"

	"xwatch/internal/model"
	"xwatch/internal/textutil"
)

// ParseSubscriptionArgs parses the arguments of /add and /edit.
// Format: <account> [interval=SECONDS] [reposts=on|off] [quotes=on|off]
// [include=w1,w2] [exclude=w1,w2]. An empty include= or exclude= clears
// the list; omitted options are left unset in the patch.
func ParseSubscriptionArgs(args string) (string, model.SubscriptionPatch, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return "", model.SubscriptionPatch{}, fmt.Errorf("account is required")
	}

	account := parts[0]
	var patch model.SubscriptionPatch

	for _, part := range parts[1:] {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return "", model.SubscriptionPatch{}, fmt.Errorf("expected key=value, got %q", part)
		}
		switch key {
		case "interval":
			secs, err := strconv.Atoi(value)
			if err != nil || secs < 1 {
				return "", model.SubscriptionPatch{}, fmt.Errorf("invalid interval %q, expected seconds", value)
			}
			patch.IntervalSeconds = &secs
		case "reposts":
			v, err := parseToggle(value)
			if err != nil {
				return "", model.SubscriptionPatch{}, fmt.Errorf("invalid reposts value %q, use on/off", value)
			}
			patch.IncludeReposts = &v
		case "quotes":
			v, err := parseToggle(value)
			if err != nil {
				return "", model.SubscriptionPatch{}, fmt.Errorf("invalid quotes value %q, use on/off", value)
			}
			patch.IncludeQuotes = &v
		case "include":
			patch.IncludeKeywords = parseKeywords(value)
		case "exclude":
			patch.ExcludeKeywords = parseKeywords(value)
		default:
			return "", model.SubscriptionPatch{}, fmt.Errorf("unknown option %q", key)
		}
	}

	return account, patch, nil
}

// ParseAccountArg extracts the account handle from a command argument string.
func ParseAccountArg(args string) (string, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return "", fmt.Errorf("account is required")
	}
	return strings.Fields(s)[0], nil
}

func parseToggle(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "yes", "true", "1":
		return true, nil
	case "off", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a toggle")
}

// parseKeywords never returns nil so that an explicit empty value clears
// the stored list instead of leaving it unchanged.
func parseKeywords(value string) []string {
	kws := textutil.ParseKeywordList(value)
	if kws == nil {
		kws = []string{}
	}
	return kws
}
