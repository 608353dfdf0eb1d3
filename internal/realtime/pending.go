package realtime

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

// PendingSet trace ids with a local edit in flight. While an id is
// pending, remote update echoes for it are discarded.
//
// Every entry carries a deadline; an entry past its deadline counts as
// absent, so an edit whose confirmation never arrives stops shadowing
// remote updates after ttl. A ttl <= 0 disables expiry.
type PendingSet struct {
	ttl     time.Duration
	clock   clock.Clock
	entries *xsync.MapOf[string, time.Time]
}

// NewPendingSet creates an empty set
func NewPendingSet(ttl time.Duration, clk clock.Clock) *PendingSet {
	if clk == nil {
		clk = clock.New()
	}
	return &PendingSet{
		ttl:     ttl,
		clock:   clk,
		entries: xsync.NewMapOf[string, time.Time](),
	}
}

// Mark adds id, or extends its deadline if already present.
func (p *PendingSet) Mark(id string) {
	var deadline time.Time
	if p.ttl > 0 {
		deadline = p.clock.Now().Add(p.ttl)
	}
	p.entries.Store(id, deadline)
}

// Unmark removes id.
func (p *PendingSet) Unmark(id string) {
	p.entries.Delete(id)
}

// Contains reports whether id is pending. Expired entries are dropped.
func (p *PendingSet) Contains(id string) bool {
	now := p.clock.Now()
	live := false
	p.entries.Compute(id, func(deadline time.Time, loaded bool) (time.Time, bool) {
		if !loaded {
			return deadline, true
		}
		if !deadline.IsZero() && !now.Before(deadline) {
			return deadline, true
		}
		live = true
		return deadline, false
	})
	return live
}

// Len number of live entries
func (p *PendingSet) Len() int {
	now := p.clock.Now()
	n := 0
	p.entries.Range(func(_ string, deadline time.Time) bool {
		if deadline.IsZero() || now.Before(deadline) {
			n++
		}
		return true
	})
	return n
}

// Clear removes every entry.
func (p *PendingSet) Clear() {
	p.entries.Clear()
}
