package window

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func TestCompute_Scenario(t *testing.T) {
	w, err := Compute(mustParse(t, "2024-01-01T00:10:00Z"), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Start.Equal(mustParse(t, "2024-01-01T00:00:00Z")) {
		t.Fatalf("expected start 00:00:00, got %v", w.Start)
	}
	if !w.End.Equal(mustParse(t, "2024-01-01T00:05:00Z")) {
		t.Fatalf("expected end 00:05:00, got %v", w.End)
	}
}

func TestCompute_Properties(t *testing.T) {
	base := mustParse(t, "2025-06-30T23:59:59.999Z")
	for _, interval := range []int{1, 2, 5, 15, 60, 1440} {
		for _, offset := range []time.Duration{0, 17 * time.Second, 3*time.Hour + 41*time.Second, 400 * 24 * time.Hour} {
			now := base.Add(offset)
			w, err := Compute(now, interval)
			if err != nil {
				t.Fatalf("interval %d: unexpected error: %v", interval, err)
			}
			lag := time.Duration(interval) * time.Minute
			if !w.Start.Before(w.End) {
				t.Fatalf("interval %d: start %v not before end %v", interval, w.Start, w.End)
			}
			if w.End.After(now.Add(-lag)) {
				t.Fatalf("interval %d: end %v after now-interval %v", interval, w.End, now.Add(-lag))
			}
			if w.Width() != lag {
				t.Fatalf("interval %d: expected width %v, got %v", interval, lag, w.Width())
			}
		}
	}
}

func TestCompute_IdempotentWithinMinute(t *testing.T) {
	a, _ := Compute(mustParse(t, "2024-03-10T12:34:01Z"), 5)
	b, _ := Compute(mustParse(t, "2024-03-10T12:34:59.999Z"), 5)
	if a != b {
		t.Fatalf("expected identical windows, got %v and %v", a, b)
	}
}

func TestCompute_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 1, 1, 2, 10, 30, 0, loc)
	w, err := Compute(now, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Start.Location() != time.UTC {
		t.Fatalf("expected UTC start, got %v", w.Start.Location())
	}
	if !w.Start.Equal(mustParse(t, "2024-01-01T00:00:00Z")) {
		t.Fatalf("unexpected start %v", w.Start)
	}
}

func TestCompute_InvalidInterval(t *testing.T) {
	for _, interval := range []int{0, -5} {
		_, err := Compute(time.Now(), interval)
		var iwe *InvalidWindowError
		if !errors.As(err, &iwe) {
			t.Fatalf("interval %d: expected *InvalidWindowError, got %v", interval, err)
		}
	}
}

func TestExplicit(t *testing.T) {
	start := mustParse(t, "2024-01-01T00:00:00Z")
	end := mustParse(t, "2024-01-02T00:00:00Z")

	w, err := Explicit(start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Start.Equal(start) || !w.End.Equal(end) {
		t.Fatalf("unexpected window %v", w)
	}

	var iwe *InvalidWindowError
	if _, err := Explicit(end, start); !errors.As(err, &iwe) {
		t.Fatalf("expected *InvalidWindowError for reversed bounds, got %v", err)
	}
	if _, err := Explicit(start, start); !errors.As(err, &iwe) {
		t.Fatalf("expected *InvalidWindowError for empty window, got %v", err)
	}
	if _, err := Explicit(time.Time{}, end); !errors.As(err, &iwe) {
		t.Fatalf("expected *InvalidWindowError for missing start, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	now := mustParse(t, "2024-01-01T00:10:00Z")

	w, err := Resolve(now, Params{Interval: 5})
	if err != nil || !w.End.Equal(mustParse(t, "2024-01-01T00:05:00Z")) {
		t.Fatalf("interval resolve: got %v, %v", w, err)
	}

	start := mustParse(t, "2023-12-31T00:00:00Z")
	w, err = Resolve(now, Params{Start: start, End: now})
	if err != nil || !w.Start.Equal(start) {
		t.Fatalf("explicit resolve: got %v, %v", w, err)
	}

	var iwe *InvalidWindowError
	if _, err := Resolve(now, Params{}); !errors.As(err, &iwe) {
		t.Fatalf("expected *InvalidWindowError, got %v", err)
	}
	if _, err := Resolve(now, Params{Start: start}); !errors.As(err, &iwe) {
		t.Fatalf("expected *InvalidWindowError for start only, got %v", err)
	}
}

func TestParseTime(t *testing.T) {
	cases := map[string]string{
		"2024-01-01T00:10:00Z":      "2024-01-01T00:10:00Z",
		"2024-01-01T02:10:00+02:00": "2024-01-01T00:10:00Z",
		"2024-01-01T00:10:00":       "2024-01-01T00:10:00Z",
		"2024-01-01T00:10:00.250":   "2024-01-01T00:10:00.25Z",
		"2024-01-01":                "2024-01-01T00:00:00Z",
	}
	for in, want := range cases {
		got, err := ParseTime(in)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", in, err)
		}
		if !got.Equal(mustParse(t, want)) {
			t.Fatalf("%q: expected %s, got %v", in, want, got)
		}
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatal("expected error for unparseable time")
	}
}
