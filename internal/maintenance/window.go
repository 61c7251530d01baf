package maintenance

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time-of-day range in the service location.
// Start > End wraps past midnight ("22:00-04:00").
type Window struct {
	Start time.Duration
	End   time.Duration
	set   bool
}

// ParseWindow parses "HH:MM-HH:MM". An empty string means no restriction.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Window{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("compact window %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("compact window %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("compact window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("compact window %q: empty range", s)
	}
	return Window{Start: start, End: end, set: true}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t (already in the right location) falls inside
// the window. The start is inclusive, the end exclusive.
func (w Window) Contains(t time.Time) bool {
	if !w.set {
		return true
	}
	off := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if w.Start < w.End {
		return off >= w.Start && off < w.End
	}
	return off >= w.Start || off < w.End
}

func (w Window) String() string {
	if !w.set {
		return "any"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		int(w.Start.Hours()), int(w.Start.Minutes())%60,
		int(w.End.Hours()), int(w.End.Minutes())%60)
}
