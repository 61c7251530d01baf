// Package telegram is the telebot-backed transport.Upstream.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	// APIURL overrides the Bot API endpoint (local bot-api servers, tests).
	APIURL         string
	RequestTimeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Upstream = (*Client)(nil)

// New builds a client without touching the network; Identity performs the
// first real call.
func New(token string, cfg Config, log logx.Logger) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: log, bot: b}, nil
}

// NewFactory adapts New to transport.Factory.
func NewFactory(cfg Config, log logx.Logger) transport.Factory {
	return func(token string) (transport.Upstream, error) {
		return New(token, cfg, log)
	}
}

func (c *Client) Identity(ctx context.Context) (transport.Identity, error) {
	raw, err := call(ctx, func() ([]byte, error) { return c.bot.Raw("getMe", nil) })
	if err != nil {
		return transport.Identity{}, Classify(err)
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transport.Identity{}, fmt.Errorf("%w: decode getMe: %v", transport.ErrUnavailable, err)
	}
	return transport.Identity{ID: resp.Result.ID, Username: resp.Result.Username, IsBot: resp.Result.IsBot}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (int, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := SplitText(text, TextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: chatID}

	first := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              opt.ThreadID,
		}
		msg, err := call(ctx, func() (*tele.Message, error) { return c.bot.Send(chat, chunk, so) })
		if err != nil {
			return first, Classify(err)
		}
		if i == 0 && msg != nil {
			first = msg.ID
		}
	}
	return first, nil
}

func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("webhook url is empty")
	}
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.bot.SetWebhook(&tele.Webhook{
			Endpoint:    &tele.WebhookEndpoint{PublicURL: url},
			SecretToken: secretToken,
		})
	})
	return Classify(err)
}

func (c *Client) RemoveWebhook(ctx context.Context) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, c.bot.RemoveWebhook(false) })
	return Classify(err)
}

// call runs a blocking telebot request and returns early when ctx ends.
// telebot has no context plumbing; the HTTP client timeout bounds the
// abandoned request.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
