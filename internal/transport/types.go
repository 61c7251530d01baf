// Package transport defines what the dispatch core needs from an upstream
// bot platform. internal/transport/telegram implements it on telebot.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnauthorized means the upstream rejected the credential.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrUnavailable means the upstream could not be reached or failed.
	ErrUnavailable = errors.New("transport: upstream unavailable")
)

// Identity is the bot account behind a credential.
type Identity struct {
	ID       int64
	Username string
	IsBot    bool
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ThreadID       int
}

// Upstream is one tenant's authenticated client.
type Upstream interface {
	Identity(ctx context.Context) (Identity, error)
	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) (messageID int, err error)
	SetWebhook(ctx context.Context, url, secretToken string) error
	RemoveWebhook(ctx context.Context) error
}

// Factory builds an Upstream for a bot token.
type Factory func(token string) (Upstream, error)

// ThrottledError reports an upstream "too many requests" answer.
// RetryAfter is zero when the upstream gave no explicit wait.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.Err == nil {
		return "transport: throttled"
	}
	return "transport: throttled: " + e.Err.Error()
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// AsThrottled extracts a ThrottledError from err.
func AsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
