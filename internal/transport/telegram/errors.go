package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"botfleet/internal/transport"

	tele "gopkg.in/telebot.v4"
)

var (
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)
	// telebot reports unrecognized API errors as "telegram: <desc> (<code>)".
	codeSuffixRe = regexp.MustCompile(`\((\d{3})\)$`)
)

// Classify maps telebot errors onto the transport sentinels:
// 429 becomes *transport.ThrottledError, 401 wraps ErrUnauthorized and
// network or 5xx failures wrap ErrUnavailable. Other errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, ok := transport.AsThrottled(err); ok {
		return err
	}
	if errors.Is(err, transport.ErrUnauthorized) || errors.Is(err, transport.ErrUnavailable) {
		return err
	}

	if d, ok := floodWait(err); ok {
		return &transport.ThrottledError{RetryAfter: d, Err: err}
	}
	if errors.Is(err, tele.ErrUnauthorized) {
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	}
	code, msg := 0, err.Error()
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
		msg += " " + te.Description
	} else if m := codeSuffixRe.FindStringSubmatch(msg); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	switch {
	case code == 401:
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	case code == 429:
		return &transport.ThrottledError{RetryAfter: parseRetryAfter(msg), Err: err}
	case code >= 500:
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	case code != 0:
		return err
	}
	if d := parseRetryAfter(msg); d > 0 {
		return &transport.ThrottledError{RetryAfter: d, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return err
}

func floodWait(err error) (time.Duration, bool) {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return time.Duration(fe.RetryAfter) * time.Second, true
	}
	var pfe *tele.FloodError
	if errors.As(err, &pfe) && pfe != nil {
		return time.Duration(pfe.RetryAfter) * time.Second, true
	}
	return 0, false
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return time.Duration(n) * time.Second
}
