package instance

import (
	"context"
	"errors"

	"botfleet/internal/transport"
)

// Reason is the outcome of a credential health check.
type Reason string

const (
	ReasonOK                  Reason = "ok"
	ReasonNoToken             Reason = "no_token"
	ReasonBadFormat           Reason = "bad_format"
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonUpstreamUnavailable Reason = "upstream_unavailable"
	ReasonUnknown             Reason = "unknown_error"
)

// Permanent reports whether the reason moves the tenant to error.
// Only a fixed credential can clear it.
func (r Reason) Permanent() bool {
	switch r {
	case ReasonNoToken, ReasonBadFormat, ReasonUnauthorized:
		return true
	}
	return false
}

func (r Reason) String() string { return string(r) }

// Checker performs the cheap upstream identity call for a token.
type Checker interface {
	Check(ctx context.Context, token string) (transport.Identity, error)
}

// FactoryChecker builds a throwaway upstream client per check.
type FactoryChecker struct {
	Factory transport.Factory
}

func (c FactoryChecker) Check(ctx context.Context, token string) (transport.Identity, error) {
	up, err := c.Factory(token)
	if err != nil {
		return transport.Identity{}, err
	}
	return up.Identity(ctx)
}

// classifyCheck maps an identity-call error onto a Reason.
func classifyCheck(err error) Reason {
	if err == nil {
		return ReasonOK
	}
	if errors.Is(err, transport.ErrUnauthorized) {
		return ReasonUnauthorized
	}
	if _, ok := transport.AsThrottled(err); ok {
		return ReasonUpstreamUnavailable
	}
	if errors.Is(err, transport.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonUpstreamUnavailable
	}
	return ReasonUnknown
}

// reasonText is the owner-facing explanation of a permanent reason.
func reasonText(r Reason) string {
	switch r {
	case ReasonNoToken:
		return "no bot token is stored"
	case ReasonBadFormat:
		return "the stored bot token is malformed"
	case ReasonUnauthorized:
		return "Telegram rejected the bot token (revoked or regenerated)"
	}
	return string(r)
}
