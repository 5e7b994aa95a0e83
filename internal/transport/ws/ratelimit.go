package ws

import "time"

// rateGate is one fixed-window counter. A window opens on the first hit
// and admits max hits until windowSize has passed, then resets. Bursts
// straddling a boundary can briefly double the rate; that is acceptable
// for abuse control and keeps the gate allocation-free.
//
// Gates live on the session and are only touched by its reader loop, so
// they need no lock.
type rateGate struct {
	start time.Time
	count int
}

func (g *rateGate) allow(now time.Time, max int, window time.Duration) bool {
	if max <= 0 || window <= 0 {
		return true
	}
	if g.start.IsZero() || now.Sub(g.start) >= window {
		g.start = now
		g.count = 1
		return true
	}
	if g.count >= max {
		return false
	}
	g.count++
	return true
}
