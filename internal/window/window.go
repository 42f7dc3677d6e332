// Package window computes the time ranges a poll run asks a source for.
package window

import (
	"fmt"
	"time"
)

// Window is a half-open time range [Start, End). Start is always before End.
type Window struct {
	Start time.Time
	End   time.Time
	// Reference is the minute-truncated time the window was derived from.
	// For explicit windows it equals End.
	Reference time.Time
}

// InvalidWindowError reports time arguments that cannot form a window.
type InvalidWindowError struct {
	Reason string
}

func (e *InvalidWindowError) Error() string {
	return "invalid poll window: " + e.Reason
}

// Params selects how a window is derived: Interval (minutes) for a scheduled
// lagging window, or Start and End for a backfill.
type Params struct {
	Interval int
	Start    time.Time
	End      time.Time
}

// Compute returns the lagging window for a run at now.
// now is truncated to the minute, so calls within the same minute agree.
// The window is [now-2*interval, now-interval).
func Compute(now time.Time, intervalMinutes int) (Window, error) {
	if intervalMinutes <= 0 {
		return Window{}, &InvalidWindowError{Reason: fmt.Sprintf("interval must be positive, got %d", intervalMinutes)}
	}
	ref := now.UTC().Truncate(time.Minute)
	lag := time.Duration(intervalMinutes) * time.Minute
	return Window{
		Start:     ref.Add(-2 * lag),
		End:       ref.Add(-lag),
		Reference: ref,
	}, nil
}

// Explicit returns a backfill window, bypassing the lag computation.
func Explicit(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() {
		return Window{}, &InvalidWindowError{Reason: "start and end are both required"}
	}
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return Window{}, &InvalidWindowError{Reason: fmt.Sprintf("start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))}
	}
	return Window{Start: start, End: end, Reference: end}, nil
}

// Resolve picks Compute when an interval is given, Explicit when both bounds
// are given, and fails otherwise.
func Resolve(now time.Time, p Params) (Window, error) {
	switch {
	case p.Interval != 0:
		return Compute(now, p.Interval)
	case !p.Start.IsZero() || !p.End.IsZero():
		return Explicit(p.Start, p.End)
	default:
		return Window{}, &InvalidWindowError{Reason: "either interval or start and end must be provided"}
	}
}

// Width returns End - Start.
func (w Window) Width() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return w.Start.Format(time.RFC3339) + "/" + w.End.Format(time.RFC3339)
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses an RFC 3339 timestamp. Timestamps without an offset are
// taken as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &InvalidWindowError{Reason: fmt.Sprintf("cannot parse time %q", s)}
}
