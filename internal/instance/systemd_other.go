//go:build !linux

package instance

import (
	"context"
	"errors"

	logx "botfleet/pkg/logx"
)

var ErrUnsupported = errors.New("instance: systemd runner is linux only")

type SystemdRunner struct{}

func NewSystemdRunner(context.Context, string, string, logx.Logger) (*SystemdRunner, error) {
	return nil, ErrUnsupported
}

func (*SystemdRunner) Running(context.Context, string) (bool, error) { return false, ErrUnsupported }
func (*SystemdRunner) Start(context.Context, string, string) error   { return ErrUnsupported }
func (*SystemdRunner) Stop(context.Context, string) error            { return ErrUnsupported }
func (*SystemdRunner) Close() error                                  { return nil }
