// Package timer derives remaining phase time from the synchronized clock.
package timer

import (
	"time"

	"github.com/mockmatch/mockmatch-client/internal/clocksync"
	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// Engine computes remaining seconds for the active phase. The value is
// recomputed from (synchronized now - phase start) on every tick rather than
// accumulated, so tab stalls and slow ticks self-correct instead of drifting.
type Engine struct {
	sync  *clocksync.Synchronizer
	fired map[protocol.PhaseID]struct{}
}

// New returns a timer Engine reading time from sync.
func New(sync *clocksync.Synchronizer) *Engine {
	return &Engine{
		sync:  sync,
		fired: make(map[protocol.PhaseID]struct{}),
	}
}

// Remaining returns the whole seconds left in a phase that started at
// phaseStart (server clock) with the given duration. Never negative.
func (e *Engine) Remaining(phaseStart time.Time, durationSec int) int {
	if phaseStart.IsZero() || durationSec <= 0 {
		return 0
	}
	elapsed := int(e.sync.Now().Sub(phaseStart) / time.Second)
	remaining := durationSec - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Tick recomputes the remaining time for the phase identity and reports
// expiry. Expiry fires exactly once per identity; repeated ticks at zero do
// not re-fire. A server message that moves the deadline back into the future
// re-arms the identity, so a later expiry fires again.
func (e *Engine) Tick(id protocol.PhaseID, phaseStart time.Time, durationSec int) (remaining int, expired bool) {
	remaining = e.Remaining(phaseStart, durationSec)
	if remaining > 0 {
		// Deadline extended or not yet reached: clear any stale mark.
		delete(e.fired, id)
		return remaining, false
	}
	if phaseStart.IsZero() || durationSec <= 0 {
		return 0, false
	}
	if _, done := e.fired[id]; done {
		return 0, false
	}
	e.fired[id] = struct{}{}
	return 0, true
}

// Reset forgets all expiry marks. Called on session teardown and snapshot
// rehydration.
func (e *Engine) Reset() {
	e.fired = make(map[protocol.PhaseID]struct{})
}
