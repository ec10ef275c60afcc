package bot

import (
	"errors"
	"fmt"

	"xwatch/internal/model"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to xwatch!

Watch X accounts and get their new posts in this chat.

Quick start:
1. /add <account> — watch an account
2. /add <account> include=word1,word2 — only matching posts
3. /list — show what this chat watches

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, fmt.Sprintf(`Commands:
/add <account> [options] — watch an account in this chat
/edit <account> [options] — change options; omitted ones keep their values
/remove <account> — stop watching an account
/list — show watched accounts

Options (key=value, space separated):
interval=SECONDS — polling interval (minimum %d)
reposts=on|off — include retweets (default off)
quotes=on|off — include quote posts (default off)
include=w1,w2 — only posts containing one of these words
exclude=w1,w2 — skip posts containing any of these words

An empty include= or exclude= clears the list.
Accounts can be given as handle, @handle, or profile URL.`, b.cfg.MinIntervalSec))
}

func (b *Bot) handleAdd(chatID int64, args string) {
	account, patch, err := ParseSubscriptionArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /add <account> [options]\n%v", err))
		return
	}

	sub := model.Subscription{
		ChannelID: chatID,
		Account:   account,
	}
	if patch.IntervalSeconds != nil {
		sub.IntervalSeconds = *patch.IntervalSeconds
	}
	if patch.IncludeReposts != nil {
		sub.IncludeReposts = *patch.IncludeReposts
	}
	if patch.IncludeQuotes != nil {
		sub.IncludeQuotes = *patch.IncludeQuotes
	}
	sub.IncludeKeywords = patch.IncludeKeywords
	sub.ExcludeKeywords = patch.ExcludeKeywords

	created, err := b.store.Add(sub)
	switch {
	case errors.Is(err, model.ErrConflict):
		b.reply(chatID, fmt.Sprintf("@%s is already watched in this chat. Use /edit to change it.", account))
		return
	case errors.Is(err, model.ErrIntervalTooShort):
		b.reply(chatID, fmt.Sprintf("Interval must be at least %d seconds.", b.cfg.MinIntervalSec))
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Failed to add subscription: %v", err))
		return
	}

	b.reply(chatID, "Now watching "+FormatSubscription(created))
}

func (b *Bot) handleEdit(chatID int64, args string) {
	account, patch, err := ParseSubscriptionArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Usage: /edit <account> [options]\n%v", err))
		return
	}
	if patch.IsZero() {
		b.reply(chatID, "Nothing to change. Give at least one option, e.g. interval=300.")
		return
	}

	updated, err := b.store.Edit(chatID, account, patch)
	switch {
	case errors.Is(err, model.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("@%s is not watched in this chat.", account))
		return
	case errors.Is(err, model.ErrIntervalTooShort):
		b.reply(chatID, fmt.Sprintf("Interval must be at least %d seconds.", b.cfg.MinIntervalSec))
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Failed to update subscription: %v", err))
		return
	}

	b.reply(chatID, "Updated "+FormatSubscription(updated))
}

func (b *Bot) handleRemove(chatID int64, args string) {
	account, err := ParseAccountArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <account>")
		return
	}

	err = b.store.Remove(chatID, account)
	switch {
	case errors.Is(err, model.ErrNotFound):
		b.reply(chatID, fmt.Sprintf("@%s is not watched in this chat.", account))
		return
	case err != nil:
		b.reply(chatID, fmt.Sprintf("Failed to remove subscription: %v", err))
		return
	}

	b.reply(chatID, fmt.Sprintf("Stopped watching @%s.", account))
}

func (b *Bot) handleList(chatID int64) {
	b.reply(chatID, FormatSubscriptionList(b.store.ListChannel(chatID)))
}
