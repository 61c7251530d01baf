package dispatch

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"botfleet/internal/runtime/supervisor"

	"github.com/google/uuid"
)

// DispatcherID names loop n of this process: <hostname>/<pid>/<n>-<uuid8>.
// The random suffix keeps ids unique across restarts that reuse a pid.
func DispatcherID(n int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s/%d/%s-%s", host, os.Getpid(), strconv.Itoa(n), uuid.NewString()[:8])
}

// StartPool runs n loops under sup. Each loop restarts on panic with a
// short backoff; cancelling sup stops them all.
func StartPool(sup *supervisor.Supervisor, n int, newLoop func(id string) *Loop) []*Loop {
	if n < 1 {
		n = 1
	}
	loops := make([]*Loop, 0, n)
	for i := 0; i < n; i++ {
		l := newLoop(DispatcherID(i))
		loops = append(loops, l)
		sup.GoRestart("dispatch.loop."+strconv.Itoa(i), l.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithPublishFirstError(true),
		)
	}
	return loops
}
