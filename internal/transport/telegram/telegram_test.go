package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	badRequest := errors.New("telegram: Bad Request: chat not found (400)")

	cases := []struct {
		name         string
		in           error
		unauthorized bool
		unavailable  bool
		throttled    bool
		retryAfter   time.Duration
		same         bool
	}{
		{name: "sentinel unauthorized", in: tele.ErrUnauthorized, unauthorized: true},
		{name: "coded unauthorized", in: tele.NewError(401, "Unauthorized: invalid token"), unauthorized: true},
		{name: "flood", in: tele.FloodError{RetryAfter: 3}, throttled: true, retryAfter: 3 * time.Second},
		{name: "429 with text hint", in: tele.NewError(429, "Too Many Requests: retry after 7"), throttled: true, retryAfter: 7 * time.Second},
		{name: "generic 502", in: errors.New("telegram: Bad Gateway (502)"), unavailable: true},
		{name: "network", in: &net.DNSError{Err: "no such host", Name: "api.telegram.org"}, unavailable: true},
		{name: "bad request passes through", in: badRequest, same: true},
		{name: "cancel passes through", in: context.Canceled, same: true},
	}
	for _, tc := range cases {
		got := Classify(tc.in)
		if errors.Is(got, transport.ErrUnauthorized) != tc.unauthorized {
			t.Fatalf("%s: unauthorized = %v, want %v", tc.name, !tc.unauthorized, tc.unauthorized)
		}
		if errors.Is(got, transport.ErrUnavailable) != tc.unavailable {
			t.Fatalf("%s: unavailable = %v, want %v", tc.name, !tc.unavailable, tc.unavailable)
		}
		te, ok := transport.AsThrottled(got)
		if ok != tc.throttled {
			t.Fatalf("%s: throttled = %v, want %v", tc.name, ok, tc.throttled)
		}
		if ok && te.RetryAfter != tc.retryAfter {
			t.Fatalf("%s: retry after = %s, want %s", tc.name, te.RetryAfter, tc.retryAfter)
		}
		if tc.same && got != tc.in {
			t.Fatalf("%s: error was rewritten", tc.name)
		}
	}
	if Classify(nil) != nil {
		t.Fatalf("Classify(nil) must be nil")
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := SplitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := SplitText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split: %q", got)
	}

	html := "abcdef<b>bold</b>"
	for _, chunk := range SplitText(html, 8, "HTML") {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk %q cuts a tag", chunk)
		}
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New("  ", Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
	c, err := New("123456:"+strings.Repeat("x", 35), Config{}, logx.Nop())
	if err != nil || c == nil {
		t.Fatalf("offline client: %v", err)
	}
}
