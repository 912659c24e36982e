package queue

import "time"

// GracePeriodScheduler keeps at most one timer per active entry of a zone: the
// grace period of an unverified entry, or the silence deadline of a verified one.
// It belongs to the zone's actor and is only touched from that goroutine; the
// timer callbacks themselves just post an expiry command back to the actor.
type GracePeriodScheduler struct {
	clock  Clock
	timers map[string]*graceTimer
	gen    uint64
}

type graceTimer struct {
	handle   Timer
	gen      uint64
	deadline time.Time
}

func NewGracePeriodScheduler(clock Clock) *GracePeriodScheduler {
	return &GracePeriodScheduler{clock: clock, timers: make(map[string]*graceTimer)}
}

// Start arms a timer for entryID unless one is already running, and returns its deadline.
func (g *GracePeriodScheduler) Start(entryID string, d time.Duration, fire func(entryID string, gen uint64)) (time.Time, bool) {
	if t, ok := g.timers[entryID]; ok {
		return t.deadline, false
	}
	g.gen++
	gen := g.gen
	t := &graceTimer{gen: gen, deadline: g.clock.Now().Add(d)}
	g.timers[entryID] = t
	t.handle = g.clock.AfterFunc(d, func() { fire(entryID, gen) })
	return t.deadline, true
}

// Cancel stops the entry's timer. A callback already in flight is neutralised
// because Claim will no longer match its generation.
func (g *GracePeriodScheduler) Cancel(entryID string) bool {
	t, ok := g.timers[entryID]
	if !ok {
		return false
	}
	delete(g.timers, entryID)
	if t.handle != nil {
		t.handle.Stop()
	}
	return true
}

// Claim consumes the timer if gen is still the live one for entryID
func (g *GracePeriodScheduler) Claim(entryID string, gen uint64) bool {
	t, ok := g.timers[entryID]
	if !ok || t.gen != gen {
		return false
	}
	delete(g.timers, entryID)
	return true
}

// Deadline reports when the entry's grace period runs out, if a timer is running
func (g *GracePeriodScheduler) Deadline(entryID string) (time.Time, bool) {
	t, ok := g.timers[entryID]
	if !ok {
		return time.Time{}, false
	}
	return t.deadline, true
}

func (g *GracePeriodScheduler) Len() int { return len(g.timers) }

// StopAll cancels every timer, used when the actor rebuilds or shuts down
func (g *GracePeriodScheduler) StopAll() {
	for id := range g.timers {
		g.Cancel(id)
	}
}
