//go:build linux

package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "botfleet/pkg/logx"

	"github.com/coreos/go-systemd/v22/dbus"
)

// SystemdRunner runs each tenant worker as a transient systemd service
// named <name>.service. The unit name is the idempotency key: systemd
// refuses a second unit with the same name host-wide.
type SystemdRunner struct {
	mu         sync.RWMutex
	conn       *dbus.Conn
	binary     string
	configPath string
	log        logx.Logger
}

func NewSystemdRunner(ctx context.Context, binary, configPath string, log logx.Logger) (*SystemdRunner, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("instance: connect to systemd: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SystemdRunner{
		conn:       conn,
		binary:     binary,
		configPath: configPath,
		log:        log.With(logx.String("comp", "instance.systemd")),
	}, nil
}

func unitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

func (r *SystemdRunner) connection() (*dbus.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil {
		return nil, fmt.Errorf("instance: systemd connection is closed")
	}
	return r.conn, nil
}

// state returns the unit's ActiveState, or "" when systemd does not know it.
func (r *SystemdRunner) state(ctx context.Context, conn *dbus.Conn, unit string) (string, error) {
	units, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return "", fmt.Errorf("instance: status %s: %w", unit, err)
	}
	for _, u := range units {
		if u.Name == unit && u.LoadState != "not-found" {
			return u.ActiveState, nil
		}
	}
	return "", nil
}

func (r *SystemdRunner) Running(ctx context.Context, name string) (bool, error) {
	conn, err := r.connection()
	if err != nil {
		return false, err
	}
	st, err := r.state(ctx, conn, unitName(name))
	if err != nil {
		return false, err
	}
	return st == "active" || st == "activating" || st == "reloading", nil
}

func (r *SystemdRunner) Start(ctx context.Context, name, tenantID string) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	unit := unitName(name)

	// A failed transient unit lingers until reset and blocks the name.
	if st, err := r.state(ctx, conn, unit); err == nil && st == "failed" {
		if err := conn.ResetFailedUnitContext(ctx, unit); err != nil && !isNoSuchUnitErr(err) {
			return fmt.Errorf("instance: reset %s: %w", unit, err)
		}
	}

	props := []dbus.Property{
		dbus.PropDescription("botfleet worker " + tenantID),
		dbus.PropType("simple"),
		dbus.PropExecStart(WorkerCommand(r.binary, r.configPath, tenantID), true),
	}
	done := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unit, "fail", props, done); err != nil {
		if strings.Contains(err.Error(), "UnitExists") {
			return nil
		}
		return fmt.Errorf("instance: start %s: %w", unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("instance: start %s: job %s", unit, res)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("worker unit started", logx.Tenant(tenantID), logx.String("unit", unit))
	return nil
}

func (r *SystemdRunner) Stop(ctx context.Context, name string) error {
	conn, err := r.connection()
	if err != nil {
		return err
	}
	unit := unitName(name)
	done := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", done); err != nil {
		if isNoSuchUnitErr(err) {
			return nil
		}
		return fmt.Errorf("instance: stop %s: %w", unit, err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("worker unit stopped", logx.String("unit", unit))
	return nil
}

func (r *SystemdRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	return nil
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not loaded")
}
