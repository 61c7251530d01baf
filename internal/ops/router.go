package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"botfleet/internal/instance"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Admin is the tenant lifecycle surface exposed over HTTP.
// *instance.Supervisor implements it.
type Admin interface {
	Pause(ctx context.Context, tenantID string) error
	Resume(ctx context.Context, tenantID string) error
	Delete(ctx context.Context, tenantID string) error
	HealthCheck(ctx context.Context, tenantID string) (bool, instance.Reason)
}

// HealthSource reports the goroutine supervisors of a running process by name.
type HealthSource func() map[string]rtsup.Snapshot

type RouterDeps struct {
	Admin   Admin
	Metrics *Metrics
	Health  HealthSource
	// Token guards everything except /healthz when set.
	Token   string
	Log     logx.Logger
	Timeout time.Duration
}

// NewRouter builds the ops HTTP surface.
func NewRouter(d RouterDeps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Timeout <= 0 {
		d.Timeout = 30 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(d.Health))

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(d.Token))
		if d.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
		}
		r.Mount("/debug", middleware.Profiler())

		if d.Admin != nil {
			a := adminHandlers{admin: d.Admin, log: d.Log.With(logx.String("comp", "ops.admin"))}
			r.Route("/admin/tenants/{id}", func(r chi.Router) {
				r.Use(middleware.Timeout(d.Timeout))
				r.Post("/pause", a.action("pause", d.Admin.Pause))
				r.Post("/resume", a.action("resume", d.Admin.Resume))
				r.Delete("/", a.action("delete", d.Admin.Delete))
				r.Post("/check", a.check)
			})
		}
	})
	return r
}

type healthBody struct {
	Status      string                    `json:"status"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
	Failing     []string                  `json:"failing,omitempty"`
}

func healthHandler(src HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		body := healthBody{Status: "ok"}
		if src != nil {
			body.Supervisors = src()
			for name, snap := range body.Supervisors {
				if snap.FirstError != "" {
					body.Failing = append(body.Failing, name)
				}
			}
			sort.Strings(body.Failing)
			if len(body.Failing) > 0 {
				body.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type adminHandlers struct {
	admin Admin
	log   logx.Logger
}

func (a adminHandlers) action(name string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			code := statusFor(err)
			a.log.Warn("admin action failed", logx.String("action", name), logx.Tenant(id), logx.Err(err))
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		a.log.Info("admin action", logx.String("action", name), logx.Tenant(id))
		writeJSON(w, http.StatusOK, map[string]string{"tenant": id, "action": name, "result": "ok"})
	}
}

func (a adminHandlers) check(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, reason := a.admin.HealthCheck(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"tenant": id, "ok": ok, "reason": reason.String()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, instance.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
					got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
