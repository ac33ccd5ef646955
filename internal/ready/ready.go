// Package ready aggregates per-phase readiness signals.
package ready

import (
	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// Kind distinguishes the two independent readiness signals per phase.
// They are never conflated.
type Kind string

const (
	KindForScores  Kind = "ready_for_scores"
	KindToContinue Kind = "ready_to_continue"
)

// Aggregator collects player IDs per (phase identity, kind). All sets are
// discarded when the phase identity changes.
type Aggregator struct {
	phaseID protocol.PhaseID
	sets    map[Kind]map[string]struct{}
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{sets: make(map[Kind]map[string]struct{})}
}

// Register records that playerID is ready for the given kind within phase id.
// Registration is idempotent; it returns false when the player was already
// registered. A phase identity change discards all previous sets first.
func (a *Aggregator) Register(id protocol.PhaseID, kind Kind, playerID string) bool {
	if id != a.phaseID {
		a.phaseID = id
		a.sets = make(map[Kind]map[string]struct{})
	}
	set := a.sets[kind]
	if set == nil {
		set = make(map[string]struct{})
		a.sets[kind] = set
	}
	if _, dup := set[playerID]; dup {
		return false
	}
	set[playerID] = struct{}{}
	return true
}

// Count returns the number of registered players for (id, kind).
func (a *Aggregator) Count(id protocol.PhaseID, kind Kind) int {
	if id != a.phaseID {
		return 0
	}
	return len(a.sets[kind])
}

// IsAllReady reports whether every player has registered for (id, kind).
// It never synthesizes readiness; until the count reaches totalPlayers the
// answer is simply false.
func (a *Aggregator) IsAllReady(id protocol.PhaseID, kind Kind, totalPlayers int) bool {
	if totalPlayers <= 0 {
		return false
	}
	return a.Count(id, kind) >= totalPlayers
}

// Reset discards every set and pins the aggregator to the given identity.
func (a *Aggregator) Reset(id protocol.PhaseID) {
	a.phaseID = id
	a.sets = make(map[Kind]map[string]struct{})
}
