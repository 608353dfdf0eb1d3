// Package throttle gates position updates by elapsed time and distance.
//
// A Gate remembers the last accepted (time, point) pair. Each candidate is
// compared against it with two thresholds, MinInterval and MinDistance,
// combined according to the gate's Policy:
//
//	RequireAll: accept only when both thresholds are met (network publish)
//	RequireAny: accept when either threshold is met (local pointer updates)
//
// Distance is measured per axis: a candidate has moved far enough when
// |dx| >= MinDistance or |dy| >= MinDistance.
package throttle

import (
	"math"
	"sync"
	"time"
)

// Policy decides how the two thresholds combine
type Policy int

const (
	RequireAll Policy = iota
	RequireAny
)

// String 정책 이름
func (p Policy) String() string {
	switch p {
	case RequireAll:
		return "all"
	case RequireAny:
		return "any"
	default:
		return "unknown"
	}
}

// Point world-space coordinates
type Point struct {
	X float64
	Y float64
}

// Gate is safe for concurrent use.
type Gate struct {
	MinInterval time.Duration
	MinDistance float64
	Policy      Policy

	mu       sync.Mutex
	hasLast  bool
	lastAt   time.Time
	lastAtPt Point
}

// New returns a gate with the given thresholds.
func New(minInterval time.Duration, minDistance float64, policy Policy) *Gate {
	return &Gate{
		MinInterval: minInterval,
		MinDistance: minDistance,
		Policy:      policy,
	}
}

// Allow reports whether p at time now passes the gate. An accepted
// candidate becomes the new reference. The first candidate always passes.
func (g *Gate) Allow(now time.Time, p Point) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.passesLocked(now, p) {
		return false
	}
	g.recordLocked(now, p)
	return true
}

// Check is Allow without recording.
func (g *Gate) Check(now time.Time, p Point) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.passesLocked(now, p)
}

// Record forces p to become the reference, e.g. after a publish that
// bypassed the gate.
func (g *Gate) Record(now time.Time, p Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordLocked(now, p)
}

// Reset forgets the reference so the next candidate passes.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hasLast = false
	g.lastAt = time.Time{}
	g.lastAtPt = Point{}
}

// Last returns the reference point and when it was recorded.
func (g *Gate) Last() (time.Time, Point, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAt, g.lastAtPt, g.hasLast
}

func (g *Gate) passesLocked(now time.Time, p Point) bool {
	if !g.hasLast {
		return true
	}

	elapsed := now.Sub(g.lastAt) >= g.MinInterval
	moved := math.Abs(p.X-g.lastAtPt.X) >= g.MinDistance ||
		math.Abs(p.Y-g.lastAtPt.Y) >= g.MinDistance

	if g.Policy == RequireAny {
		return elapsed || moved
	}
	return elapsed && moved
}

func (g *Gate) recordLocked(now time.Time, p Point) {
	g.hasLast = true
	g.lastAt = now
	g.lastAtPt = p
}
