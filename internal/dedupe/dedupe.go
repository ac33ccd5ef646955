// Package dedupe filters the inbound message stream before it reaches the
// phase state machine: stale phases, duplicate deliveries and reordered
// score handshakes are absorbed here.
package dedupe

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// Decision is the verdict for one inbound envelope.
type Decision int

const (
	// Forward passes the message on to the state machine.
	Forward Decision = iota
	// Drop discards the message silently.
	Drop
	// Buffered holds the message until its precursor arrives.
	Buffered
)

type lastRecord struct {
	phaseID protocol.PhaseID
	payload []byte
	at      time.Time
}

// Deduplicator rejects stale, duplicate and out-of-order messages. It keeps
// one buffered synchronized scores_ready per phase identity, replayed once
// the prepare_for_scores precursor is observed.
type Deduplicator struct {
	clock  clockwork.Clock
	window time.Duration

	seenIDs  map[string]time.Time
	lastKind map[protocol.MessageType]lastRecord
	prepared map[protocol.PhaseID]bool
	held     map[protocol.PhaseID]*protocol.Envelope
}

// New returns a Deduplicator with the given duplicate-suppression window.
func New(clock clockwork.Clock, window time.Duration) *Deduplicator {
	return &Deduplicator{
		clock:    clock,
		window:   window,
		seenIDs:  make(map[string]time.Time),
		lastKind: make(map[protocol.MessageType]lastRecord),
		prepared: make(map[protocol.PhaseID]bool),
		held:     make(map[protocol.PhaseID]*protocol.Envelope),
	}
}

// Accept decides what to do with an inbound envelope given the currently
// active phase identity.
func (d *Deduplicator) Accept(env *protocol.Envelope, current protocol.PhaseID) Decision {
	now := d.clock.Now()
	d.prune(now)

	// At-least-once delivery: same idempotency key within the window.
	if env.ID != "" {
		if _, dup := d.seenIDs[env.ID]; dup {
			log.Debug().Str("id", env.ID).Str("type", string(env.Type)).Msg("duplicate envelope id dropped")
			return Drop
		}
	}

	// Semantic duplicate: same kind, same phase identity, same payload,
	// within the window. Absorbs redundant server broadcasts.
	if last, ok := d.lastKind[env.Type]; ok {
		if last.phaseID == env.PhaseID() &&
			now.Sub(last.at) <= d.window &&
			bytes.Equal(last.payload, env.Payload) {
			log.Debug().Str("type", string(env.Type)).Stringer("phase", env.PhaseID()).Msg("semantic duplicate dropped")
			return Drop
		}
	}

	// A synchronized scores_ready arriving before its prepare_for_scores
	// precursor is buffered, not discarded, and replayed later.
	if env.Type == protocol.TypeScoresReady && d.isSynchronized(env) && !d.prepared[env.PhaseID()] {
		d.remember(env, now)
		d.held[env.PhaseID()] = env
		log.Debug().Stringer("phase", env.PhaseID()).Msg("synchronized scores buffered awaiting precursor")
		return Buffered
	}

	if env.Type == protocol.TypePrepareForScores {
		d.prepared[env.PhaseID()] = true
	}

	// Messages tied to a phase must name the active one, unless their
	// purpose is to change phase.
	if !protocol.IsPhaseChanging(env.Type) && env.Phase != "" && env.PhaseID() != current {
		log.Debug().
			Str("type", string(env.Type)).
			Stringer("phase", env.PhaseID()).
			Stringer("current", current).
			Msg("out-of-phase message dropped")
		return Drop
	}

	d.remember(env, now)
	return Forward
}

// TakeBuffered removes and returns the held synchronized scores message for
// the given phase identity, if any.
func (d *Deduplicator) TakeBuffered(id protocol.PhaseID) *protocol.Envelope {
	env := d.held[id]
	if env != nil {
		delete(d.held, id)
	}
	return env
}

// Reset discards buffered messages and precursor marks for identities other
// than the new active one. Called on every phase transition.
func (d *Deduplicator) Reset(current protocol.PhaseID) {
	for id := range d.held {
		if id != current {
			delete(d.held, id)
		}
	}
	for id := range d.prepared {
		if id != current {
			delete(d.prepared, id)
		}
	}
}

func (d *Deduplicator) remember(env *protocol.Envelope, now time.Time) {
	if env.ID != "" {
		d.seenIDs[env.ID] = now
	}
	d.lastKind[env.Type] = lastRecord{
		phaseID: env.PhaseID(),
		payload: append([]byte(nil), env.Payload...),
		at:      now,
	}
}

func (d *Deduplicator) prune(now time.Time) {
	for id, at := range d.seenIDs {
		if now.Sub(at) > d.window {
			delete(d.seenIDs, id)
		}
	}
}

func (d *Deduplicator) isSynchronized(env *protocol.Envelope) bool {
	var flag struct {
		Synchronized bool `json:"synchronized"`
	}
	if err := json.Unmarshal(env.Payload, &flag); err != nil {
		return false
	}
	return flag.Synchronized
}
