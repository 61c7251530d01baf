package instance

import (
	"context"
	"strings"

	"botfleet/internal/transport"
)

// Router owns a tenant's outbound route: the address the upstream pushes
// updates to.
type Router interface {
	Attach(ctx context.Context, tenantID string, up transport.Upstream) error
	Detach(ctx context.Context, tenantID string, up transport.Upstream) error
}

// WebhookRouter points each tenant's bot at <BaseURL>/<tenant id>.
type WebhookRouter struct {
	BaseURL     string
	SecretToken string
}

func (r WebhookRouter) URL(tenantID string) string {
	return strings.TrimRight(r.BaseURL, "/") + "/" + tenantID
}

func (r WebhookRouter) Attach(ctx context.Context, tenantID string, up transport.Upstream) error {
	return up.SetWebhook(ctx, r.URL(tenantID), r.SecretToken)
}

func (r WebhookRouter) Detach(ctx context.Context, _ string, up transport.Upstream) error {
	return up.RemoveWebhook(ctx)
}

// NopRouter is used when ingestion is not webhook based.
type NopRouter struct{}

func (NopRouter) Attach(context.Context, string, transport.Upstream) error { return nil }
func (NopRouter) Detach(context.Context, string, transport.Upstream) error { return nil }
