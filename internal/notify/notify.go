// Package notify delivers short operator messages to tenant owners through
// the fleet's owner bot.
//
// Notifications are queued and sent by a small worker pool behind a token
// bucket. Failed sends are retried with jittered exponential backoff; an
// upstream 429 waits for the advertised retry_after instead. Identical
// notifications inside the dedup window are dropped, so a flapping tenant
// does not spam its owner.
package notify

import (
	"context"
	"time"

	"botfleet/internal/transport"
)

// Notification is one message for one owner chat.
type Notification struct {
	ChatID int64
	// Key groups notifications for dedup; empty means chat id + text.
	Key      string
	Text     string
	Priority int
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Sender is the part of transport.Upstream the service uses.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (int, error)
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }
