package storage

import (
	"strconv"
	"strings"
)

// dialect captures the few statements that differ between drivers.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool
	// leaseLock is appended to the candidate subquery of Lease.
	leaseLock string
	compact   []string
}

var (
	sqliteDialect = dialect{
		name:    "sqlite",
		compact: []string{`PRAGMA wal_checkpoint(TRUNCATE)`, `VACUUM`},
	}
	postgresDialect = dialect{
		name:      "postgres",
		numbered:  true,
		leaseLock: " FOR UPDATE SKIP LOCKED",
		compact:   []string{`VACUUM ANALYZE jobs`},
	}
)

// rebind rewrites '?' placeholders for drivers that need numbered ones.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
