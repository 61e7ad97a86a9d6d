// Package quota decides whether an IP address has used up its upload allowance.
//
// Counts are always derived from the record store; nothing is cached in
// process. The check is not linked to the insert that follows it, so two
// concurrent uploads from the same IP can both pass and briefly exceed the
// limit. Closing that gap needs a transactional count-and-insert.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type windowKind int

const (
	calendarDay windowKind = iota
	trailingHours
)

// Window is the span upload counts are measured over: either the current
// calendar day or the trailing N hours.
type Window struct {
	kind  windowKind
	hours int
}

func CalendarDay() Window {
	return Window{kind: calendarDay}
}

func TrailingHours(n int) Window {
	return Window{kind: trailingHours, hours: n}
}

func (w Window) IsCalendarDay() bool {
	return w.kind == calendarDay
}

// Hours is zero for the calendar-day window.
func (w Window) Hours() int {
	return w.hours
}

// Bounds returns the half-open interval [from, to) that counts for now.
// loc only matters for the calendar-day window.
func (w Window) Bounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if w.kind == trailingHours {
		return now.Add(-time.Duration(w.hours) * time.Hour), now.Add(time.Nanosecond)
	}
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func (w Window) String() string {
	if w.kind == trailingHours {
		return fmt.Sprintf("%dh", w.hours)
	}
	return "calendar_day"
}

// ParseWindow accepts "calendar_day" (also "day" or empty) or a whole number
// of hours written as "24h" or "24".
func ParseWindow(s string) (Window, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "calendar_day", "day":
		return CalendarDay(), nil
	}

	n, err := strconv.Atoi(strings.TrimSuffix(s, "h"))
	if err != nil || n <= 0 {
		return Window{}, fmt.Errorf("unknown quota window %q", s)
	}
	return TrailingHours(n), nil
}

// Policy caps the number of uploads an IP may make within a window.
type Policy struct {
	MaxCount int
	Window   Window
}

// Message is the user-visible reason attached to a refused upload.
func (p Policy) Message() string {
	if p.Window.IsCalendarDay() {
		return fmt.Sprintf("Daily quota reached (%d uploads per IP). Try again tomorrow.", p.MaxCount)
	}
	return fmt.Sprintf("Upload quota reached (%d uploads per IP in %d hours). Try again later.", p.MaxCount, p.Window.Hours())
}

// Counter counts image records created by ip within [from, to).
type Counter interface {
	CountByIP(ctx context.Context, ip string, from, to time.Time) (int64, error)
}

type Evaluator struct {
	counter Counter
	loc     *time.Location
	now     func() time.Time
}

func NewEvaluator(counter Counter, loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}
	return &Evaluator{
		counter: counter,
		loc:     loc,
		now:     time.Now,
	}
}

// WithClock replaces the evaluator's time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// IsOverQuota reports whether ip has already made p.MaxCount uploads in the
// policy window. Store errors are returned as-is.
func (e *Evaluator) IsOverQuota(ctx context.Context, ip string, p Policy) (bool, error) {
	from, to := p.Window.Bounds(e.now(), e.loc)
	count, err := e.counter.CountByIP(ctx, ip, from, to)
	if err != nil {
		return false, fmt.Errorf("count uploads for %s: %w", ip, err)
	}
	return count >= int64(p.MaxCount), nil
}
