package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// GoroutineStats aggregates every goroutine started under one name.
type GoroutineStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
}

type Snapshot struct {
	Active     int64            `json:"active"`
	Started    uint64           `json:"started"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type entry struct{ GoroutineStats }

type tracker struct {
	mu     sync.Mutex
	byName map[string]*entry
}

func (t *tracker) get(name string) *entry {
	e := t.byName[name]
	if e == nil {
		e = &entry{GoroutineStats{Name: name}}
		t.byName[name] = e
	}
	return e
}

func (t *tracker) start(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	e := t.get(name)
	e.Started++
	e.Active++
	if restart {
		e.Restarts++
	}
	e.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *tracker) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	e := t.get(name)
	if e.Active > 0 {
		e.Active--
	}
	e.LastStopAt = now
	e.LastRuntime = now.Sub(startedAt)
	if err != nil {
		e.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *tracker) panicked(name string, p any) {
	t.mu.Lock()
	e := t.get(name)
	e.Panics++
	e.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

func (t *tracker) snapshot() Snapshot {
	t.mu.Lock()
	out := Snapshot{Goroutines: make([]GoroutineStats, 0, len(t.byName))}
	for _, e := range t.byName {
		out.Active += e.Active
		out.Started += e.Started
		out.Goroutines = append(out.Goroutines, e.GoroutineStats)
	}
	t.mu.Unlock()

	sort.Slice(out.Goroutines, func(i, j int) bool {
		a, b := out.Goroutines[i], out.Goroutines[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return out
}
