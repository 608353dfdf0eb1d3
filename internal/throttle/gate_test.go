package throttle

import (
	"testing"
	"time"
)

var base = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)

func TestRequireAllNeedsTimeAndDistance(t *testing.T) {
	g := New(2*time.Second, 12, RequireAll)

	if !g.Allow(base, Point{0, 0}) {
		t.Fatalf("first candidate must pass")
	}

	tests := []struct {
		name  string
		after time.Duration
		p     Point
		want  bool
	}{
		{"too soon and too close", 500 * time.Millisecond, Point{3, 3}, false},
		{"too soon but far", 500 * time.Millisecond, Point{50, 0}, false},
		{"late but close", 3 * time.Second, Point{11.9, -11.9}, false},
		{"late and far on x", 3 * time.Second, Point{12, 0}, true},
	}
	for _, tt := range tests {
		if got := g.Check(base.Add(tt.after), tt.p); got != tt.want {
			t.Fatalf("%s: Check = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRequireAnyPassesOnEither(t *testing.T) {
	g := New(50*time.Millisecond, 2, RequireAny)
	g.Record(base, Point{0, 0})

	if g.Allow(base.Add(10*time.Millisecond), Point{1, 1}) {
		t.Fatalf("small quick move should be dropped")
	}
	if !g.Allow(base.Add(20*time.Millisecond), Point{0, 2}) {
		t.Fatalf("2 units on y should pass")
	}
	// reference moved to (0,2) at +20ms
	if !g.Allow(base.Add(70*time.Millisecond), Point{0, 2.5}) {
		t.Fatalf("50ms elapsed should pass")
	}
}

func TestAllowRecordsOnlyAccepted(t *testing.T) {
	g := New(time.Second, 10, RequireAll)
	g.Record(base, Point{0, 0})

	g.Allow(base.Add(100*time.Millisecond), Point{100, 100})

	at, p, ok := g.Last()
	if !ok || !at.Equal(base) || p != (Point{0, 0}) {
		t.Fatalf("rejected candidate changed reference: %v %v %v", at, p, ok)
	}
}

func TestReset(t *testing.T) {
	g := New(time.Hour, 1000, RequireAll)
	g.Record(base, Point{0, 0})
	if g.Check(base.Add(time.Second), Point{1, 1}) {
		t.Fatalf("expected rejection before reset")
	}
	g.Reset()
	if !g.Check(base.Add(time.Second), Point{1, 1}) {
		t.Fatalf("expected pass after reset")
	}
}

func TestPolicyString(t *testing.T) {
	if RequireAll.String() != "all" || RequireAny.String() != "any" {
		t.Fatalf("unexpected policy names")
	}
}
