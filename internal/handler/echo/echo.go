// Package echo is the sample business handler: it answers every text
// message with the same text, through the tenant's rate limiter.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"botfleet/internal/dispatch"
	"botfleet/internal/queue"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Handler struct {
	// Prefix is prepended to every reply.
	Prefix string
}

var _ dispatch.Handler = (*Handler)(nil)

func New(prefix string) *Handler { return &Handler{Prefix: prefix} }

// Handle decodes the job payload as a Bot API update. Payloads that can
// never decode go straight to dead; updates without a text message are
// acknowledged and ignored.
func (h *Handler) Handle(ctx context.Context, w *dispatch.Worker, job *queue.Job) error {
	var u tele.Update
	if err := json.Unmarshal(job.Payload, &u); err != nil {
		return queue.NoRetry(fmt.Errorf("echo: decode update: %w", err))
	}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		w.Log().Debug("echo: update without message", logx.Job(job.ID))
		return nil
	}

	text, ok := Reply(msg.Text)
	if !ok {
		return nil
	}
	_, err := w.Send(ctx, msg.Chat.ID, h.Prefix+text, &transport.SendOptions{
		DisablePreview: true,
		ThreadID:       msg.ThreadID,
	})
	return err
}

// Reply returns the echo text for an incoming message. "/echo foo" echoes
// "foo"; other commands are not answered.
func Reply(in string) (string, bool) {
	in = strings.TrimSpace(in)
	if strings.HasPrefix(in, "/") {
		cmd, rest, _ := strings.Cut(in, " ")
		cmd, _, _ = strings.Cut(cmd, "@")
		if cmd != "/echo" {
			return "", false
		}
		in = strings.TrimSpace(rest)
	}
	if in == "" {
		return "(empty)", true
	}
	return in, true
}
