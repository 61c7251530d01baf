package queue

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusRetry      Status = "retry"
	StatusDone       Status = "done"
	StatusDead       Status = "dead"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusRetry, StatusDone, StatusDead}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetry, StatusDone, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusDead }

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("queue: unknown status %q", raw)
	}
	return s, nil
}

// Job is one unit of work: one inbound update for one tenant.
// Attempts counts finished runs: every Fail and the final Ack.
type Job struct {
	ID         string
	TenantID   string
	Payload    []byte
	Status     Status
	LeaseOwner string
	LeasedAt   time.Time
	Attempts   int
	LastError  string
	// RunAt is the earliest time a retry job becomes eligible again.
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseFilter narrows which jobs a leaser may pick.
// The zero value leases across all tenants.
type LeaseFilter struct {
	TenantID       string
	ExcludeTenants []string
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Counts map[Status]int64
	// OldestPending is the age of the oldest eligible job (zero when none).
	OldestPending time.Duration
}

func (s Stats) Total() int64 {
	var n int64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// MaxReasonLen bounds stored failure reasons.
const MaxReasonLen = 2000

// TruncateReason keeps failure reasons bounded before they are persisted.
func TruncateReason(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxReasonLen {
		return s
	}
	return s[:MaxReasonLen-3] + "..."
}
