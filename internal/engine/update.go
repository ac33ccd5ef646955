package engine

import (
	"github.com/mockmatch/mockmatch-client/internal/conn"
	"github.com/mockmatch/mockmatch-client/internal/phase"
)

// UpdateKind classifies updates handed to the rendering layer.
type UpdateKind int

const (
	// UpdatePhase reports a phase, submission or readiness change.
	UpdatePhase UpdateKind = iota
	// UpdateTick carries the freshly recomputed remaining time.
	UpdateTick
	// UpdateConnection reports a transport state change. Transient faults
	// are rendered as a passive badge, nothing more.
	UpdateConnection
	// UpdateTerminal reports an irrecoverable end of the session: kicked,
	// or the reconnect budget exhausted.
	UpdateTerminal
)

// Update is one engine-to-renderer notification. Every update carries the
// full state copy, so dropped intermediates are harmless.
type Update struct {
	Kind         UpdateKind
	State        phase.State
	Remaining    int
	Connection   conn.State
	Reconnecting bool
	Err          error

	ReadyForScores     int
	ReadyToContinue    int
	AllReadyForScores  bool
	AllReadyToContinue bool
}
