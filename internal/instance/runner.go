package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	logx "botfleet/pkg/logx"
)

// Runner starts and stops the isolated worker process of a tenant.
// name is the process (unit) name; implementations use it for idempotency.
type Runner interface {
	Running(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, name, tenantID string) error
	Stop(ctx context.Context, name string) error
}

// NopRunner is used when jobs are dispatched in-process only.
type NopRunner struct{}

func (NopRunner) Running(context.Context, string) (bool, error) { return false, nil }
func (NopRunner) Start(context.Context, string, string) error   { return nil }
func (NopRunner) Stop(context.Context, string) error            { return nil }

// WorkerCommand is the argv of a per-tenant worker process.
func WorkerCommand(binary, configPath, tenantID string) []string {
	argv := []string{binary, "worker", "--tenant", tenantID}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return argv
}

// ExecRunner runs workers as child processes of this process.
// Children are tracked by name; a child that exits is forgotten, so the
// next Spawn starts it again.
type ExecRunner struct {
	Binary     string
	ConfigPath string
	// StopGrace is how long Stop waits after SIGINT before killing.
	StopGrace time.Duration
	Log       logx.Logger

	mu    sync.Mutex
	procs map[string]*child
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func NewExecRunner(binary, configPath string, log logx.Logger) *ExecRunner {
	if binary == "" {
		if exe, err := os.Executable(); err == nil {
			binary = exe
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecRunner{
		Binary:     binary,
		ConfigPath: configPath,
		StopGrace:  10 * time.Second,
		Log:        log.With(logx.String("comp", "instance.exec")),
		procs:      map[string]*child{},
	}
}

func (r *ExecRunner) Running(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[name]
	return ok, nil
}

func (r *ExecRunner) Start(_ context.Context, name, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[name]; ok {
		return nil
	}
	argv := WorkerCommand(r.Binary, r.ConfigPath, tenantID)
	// Not tied to ctx: the child outlives the call that spawned it.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("instance: start %s: %w", name, err)
	}
	c := &child{cmd: cmd, done: make(chan struct{})}
	r.procs[name] = c
	r.Log.Info("worker process started", logx.Tenant(tenantID), logx.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		close(c.done)
		r.mu.Lock()
		if r.procs[name] == c {
			delete(r.procs, name)
		}
		r.mu.Unlock()
		if err != nil {
			r.Log.Warn("worker process exited", logx.Tenant(tenantID), logx.Err(err))
		} else {
			r.Log.Info("worker process exited", logx.Tenant(tenantID))
		}
	}()
	return nil
}

func (r *ExecRunner) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	c, ok := r.procs[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := c.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("instance: stop %s: %w", name, err)
	}
	t := time.NewTimer(r.StopGrace)
	defer t.Stop()
	select {
	case <-c.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	_ = c.cmd.Process.Kill()
	<-c.done
	return nil
}

// StopAll terminates every child; used on shutdown.
func (r *ExecRunner) StopAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.procs))
	for n := range r.procs {
		names = append(names, n)
	}
	r.mu.Unlock()
	for _, n := range names {
		if err := r.Stop(ctx, n); err != nil {
			r.Log.Warn("stop worker process", logx.String("name", n), logx.Err(err))
		}
	}
}
