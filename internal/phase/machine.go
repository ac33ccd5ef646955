// Package phase holds the local mirror of the shared session phase. The
// Machine is a reducer over (state, event): it advances only on validated
// inbound events or explicit local force-advances, and never regresses a
// phase identity except on a sanctioned round reset.
package phase

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// State is a copyable view of the phase mirror handed to the rendering layer.
type State struct {
	Phase         protocol.Phase
	QuestionIndex int
	Slide         int

	QuestionID     string
	QuestionText   string
	TargetPlayerID string

	PhaseStart  time.Time // server clock
	ReceivedAt  time.Time // server clock at receipt of the entering event
	ReadingSec  int
	DurationSec int

	Players []protocol.PlayerInfo

	Submitted     []string
	AllSubmitted  bool
	ShowResults   bool
	PhaseComplete bool

	// ForcedLocally marks an identity entered by a local timer backstop
	// that has not yet been confirmed by an authoritative server event.
	ForcedLocally bool
	Confirmed     bool

	Scores     map[string]int
	RoundDelta map[string]int
	Rankings   []protocol.RankingEntry
}

// ID returns the phase identity of the state.
func (s State) ID() protocol.PhaseID {
	return protocol.PhaseID{Phase: s.Phase, QuestionIndex: s.QuestionIndex}
}

// Effects reports what an applied event changed, so the controller can arm
// or cancel timers and notify the rendering layer.
type Effects struct {
	Applied         bool
	PhaseChanged    bool
	Entered         protocol.PhaseID
	AllSubmittedNow bool
	ResultsShown    bool
	Ended           bool
}

// Machine is the authoritative local mirror of the session phase.
// It is owned by the engine loop and is not safe for concurrent use.
type Machine struct {
	phase         protocol.Phase
	questionIndex int
	slide         int

	questionID     string
	questionText   string
	targetPlayerID string

	phaseStart  time.Time
	receivedAt  time.Time
	readingSec  int
	durationSec int

	players []protocol.PlayerInfo

	localSubmitted     map[string]struct{}
	confirmedSubmitted map[string]struct{}
	haveConfirmed      bool
	allSubmitted       bool
	showResults        bool
	phaseComplete      bool

	forcedLocally bool
	confirmed     bool

	scores     map[string]int
	roundDelta map[string]int
	rankings   []protocol.RankingEntry
}

// NewMachine returns a machine positioned before the tutorial.
func NewMachine() *Machine {
	return &Machine{
		phase:              protocol.PhaseTutorial,
		localSubmitted:     make(map[string]struct{}),
		confirmedSubmitted: make(map[string]struct{}),
		scores:             make(map[string]int),
	}
}

// ID returns the currently active phase identity.
func (m *Machine) ID() protocol.PhaseID {
	return protocol.PhaseID{Phase: m.phase, QuestionIndex: m.questionIndex}
}

// TotalPlayers returns the roster size.
func (m *Machine) TotalPlayers() int { return len(m.players) }

// State returns a snapshot copy for the rendering layer.
func (m *Machine) State() State {
	s := State{
		Phase:          m.phase,
		QuestionIndex:  m.questionIndex,
		Slide:          m.slide,
		QuestionID:     m.questionID,
		QuestionText:   m.questionText,
		TargetPlayerID: m.targetPlayerID,
		PhaseStart:     m.phaseStart,
		ReceivedAt:     m.receivedAt,
		ReadingSec:     m.readingSec,
		DurationSec:    m.durationSec,
		AllSubmitted:   m.allSubmitted,
		ShowResults:    m.showResults,
		PhaseComplete:  m.phaseComplete,
		ForcedLocally:  m.forcedLocally,
		Confirmed:      m.confirmed,
	}
	s.Players = append(s.Players, m.players...)
	for id := range m.effectiveSubmitted() {
		s.Submitted = append(s.Submitted, id)
	}
	if len(m.scores) > 0 {
		s.Scores = make(map[string]int, len(m.scores))
		for k, v := range m.scores {
			s.Scores[k] = v
		}
	}
	if len(m.roundDelta) > 0 {
		s.RoundDelta = make(map[string]int, len(m.roundDelta))
		for k, v := range m.roundDelta {
			s.RoundDelta[k] = v
		}
	}
	s.Rankings = append(s.Rankings, m.rankings...)
	return s
}

// SetPlayers replaces the roster mirror and recomputes the all-submitted
// condition against the new size.
func (m *Machine) SetPlayers(players []protocol.PlayerInfo) Effects {
	m.players = append(m.players[:0], players...)
	return m.recomputeAllSubmitted()
}

// LocalSubmit optimistically records the local player's submission. The next
// authoritative player_submitted broadcast confirms or corrects it.
func (m *Machine) LocalSubmit(playerID string) Effects {
	m.localSubmitted[playerID] = struct{}{}
	return m.recomputeAllSubmitted()
}

// SubmittedLocally reports whether the local optimistic set contains the
// player already, so duplicate outbound submissions can be suppressed.
func (m *Machine) SubmittedLocally(playerID string) bool {
	if _, ok := m.localSubmitted[playerID]; ok {
		return true
	}
	_, ok := m.confirmedSubmitted[playerID]
	return ok
}

// Apply reduces one accepted inbound envelope into the mirror. The payload
// must come from protocol.ParsePayload for the same envelope.
func (m *Machine) Apply(env *protocol.Envelope, payload interface{}) Effects {
	switch env.Type {
	case protocol.TypeLobbyUpdate:
		p := payload.(*protocol.LobbyUpdatePayload)
		return m.SetPlayers(p.Players)

	case protocol.TypeTutorialStart:
		return m.enter(protocol.PhaseID{Phase: protocol.PhaseTutorial}, env.ServerTimestamp(), true, func() {})

	case protocol.TypeTutorialSlide:
		p := payload.(*protocol.TutorialSlidePayload)
		eff := m.enter(protocol.PhaseID{Phase: protocol.PhaseTutorial}, env.ServerTimestamp(), true, func() {})
		m.slide = p.Slide
		eff.Applied = true
		return eff

	case protocol.TypeRoundStartCountdown:
		p := payload.(*protocol.CountdownPayload)
		target := protocol.PhaseID{Phase: protocol.PhaseRoundCountdown, QuestionIndex: env.QuestionIndex}
		return m.enter(target, env.ServerTimestamp(), true, func() {
			m.phaseStart = startOrReceipt(p.StartTime, env)
			m.durationSec = p.DurationSec
		})

	case protocol.TypeRoundStartNavigate:
		target := protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: env.QuestionIndex}
		return m.enter(target, env.ServerTimestamp(), true, func() {})

	case protocol.TypeQuestionStart, protocol.TypeQuestionReceived:
		p := payload.(*protocol.QuestionPayload)
		target := protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: env.QuestionIndex}
		return m.enter(target, env.ServerTimestamp(), true, func() {
			m.questionID = p.QuestionID
			m.questionText = p.Text
			m.targetPlayerID = p.TargetPlayerID
			m.phaseStart = startOrReceipt(p.StartTime, env)
			m.readingSec = p.ReadingSec
			m.durationSec = p.DurationSec
		})

	case protocol.TypePlayerSubmitted:
		p := payload.(*protocol.PlayerSubmittedPayload)
		return m.applySubmission(p)

	case protocol.TypePrepareForScores:
		target := protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: env.QuestionIndex}
		return m.enter(target, env.ServerTimestamp(), true, func() {})

	case protocol.TypeScoresReady:
		p := payload.(*protocol.ScoresReadyPayload)
		for id, score := range p.Scores {
			m.scores[id] = score
		}
		m.roundDelta = p.RoundDelta
		return Effects{Applied: true}

	case protocol.TypeShowResults:
		p := payload.(*protocol.ShowResultsPayload)
		target := protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: env.QuestionIndex}
		eff := m.enter(target, env.ServerTimestamp(), true, func() {})
		if m.ID() != target {
			return eff
		}
		if !m.showResults {
			m.showResults = true
			eff.ResultsShown = true
		}
		if p.PhaseComplete {
			m.phaseComplete = true
		}
		eff.Applied = true
		return eff

	case protocol.TypeGameEnd:
		p := payload.(*protocol.GameEndPayload)
		target := protocol.PhaseID{Phase: protocol.PhaseSessionEnd}
		return m.enter(target, env.ServerTimestamp(), true, func() {
			m.rankings = p.Rankings
		})

	case protocol.TypeStateSnapshot:
		p := payload.(*protocol.SnapshotPayload)
		return m.applySnapshot(p, env)

	default:
		log.Warn().Str("type", string(env.Type)).Msg("unhandled message kind in phase machine")
		return Effects{}
	}
}

// EnsurePhaseStart installs a fallback start time when the entering event
// carried none. Used before the first server clock sample arrives.
func (m *Machine) EnsurePhaseStart(t time.Time) {
	if m.phaseStart.IsZero() {
		m.phaseStart = t
	}
}

// ForceAdvance moves the mirror to target on local timer expiry. The entry is
// marked unconfirmed: the next phase's question content is only accepted once
// a server advance event for the same identity arrives. It is a no-op when
// the identity was already entered.
func (m *Machine) ForceAdvance(target protocol.PhaseID, startTime time.Time) Effects {
	cur := m.ID()
	if target == cur {
		return Effects{}
	}
	if target.Before(cur) && !target.IsRoundReset() {
		return Effects{}
	}
	m.enterState(target)
	m.phaseStart = startTime
	m.receivedAt = startTime
	m.forcedLocally = true
	m.confirmed = false
	log.Info().Stringer("from", cur).Stringer("to", target).Msg("phase force-advanced locally")
	return Effects{Applied: true, PhaseChanged: true, Entered: target, Ended: target.Phase == protocol.PhaseSessionEnd}
}

// enter applies the transition rules for an authoritative event naming
// target. populate runs only on first entry; re-entering the same identity
// confirms a locally forced entry (and fills missing content) but never
// resets submissions, readiness or displayed content.
func (m *Machine) enter(target protocol.PhaseID, receivedAt time.Time, authoritative bool, populate func()) Effects {
	cur := m.ID()
	if target == cur {
		if authoritative && !m.confirmed {
			m.confirmed = true
			m.forcedLocally = false
			if m.questionText == "" && m.phase == protocol.PhaseQuestionDisplay {
				populate()
			}
			log.Debug().Stringer("phase", target).Msg("forced entry confirmed by server")
			return Effects{Applied: true}
		}
		// Reconnection replay of the current identity: no-op.
		return Effects{Applied: true}
	}
	if target.Before(cur) && !target.IsRoundReset() {
		log.Debug().Stringer("target", target).Stringer("current", cur).Msg("backward phase event ignored")
		return Effects{}
	}
	m.enterState(target)
	if !receivedAt.IsZero() {
		m.receivedAt = receivedAt
	}
	m.confirmed = authoritative
	populate()
	eff := Effects{Applied: true, PhaseChanged: true, Entered: target, Ended: target.Phase == protocol.PhaseSessionEnd}
	eff2 := m.recomputeAllSubmitted()
	eff.AllSubmittedNow = eff2.AllSubmittedNow
	return eff
}

// enterState resets per-instance fields for a fresh phase identity.
func (m *Machine) enterState(target protocol.PhaseID) {
	m.phase = target.Phase
	m.questionIndex = target.QuestionIndex
	m.localSubmitted = make(map[string]struct{})
	m.confirmedSubmitted = make(map[string]struct{})
	m.haveConfirmed = false
	m.allSubmitted = false
	m.showResults = false
	m.phaseComplete = false
	m.forcedLocally = false
	m.roundDelta = nil
	if target.Phase != protocol.PhaseQuestionDisplay && target.Phase != protocol.PhaseAnswerSubmission {
		m.questionID = ""
		m.questionText = ""
		m.targetPlayerID = ""
	}
	if target.Phase != protocol.PhaseAnswerSubmission {
		m.phaseStart = time.Time{}
		m.durationSec = 0
		m.readingSec = 0
	}
}

func (m *Machine) applySubmission(p *protocol.PlayerSubmittedPayload) Effects {
	// The server-provided set is authoritative and replaces the optimistic
	// local one outright.
	m.confirmedSubmitted = make(map[string]struct{}, len(p.Submitted)+1)
	for _, id := range p.Submitted {
		m.confirmedSubmitted[id] = struct{}{}
	}
	if p.PlayerID != "" {
		m.confirmedSubmitted[p.PlayerID] = struct{}{}
	}
	m.haveConfirmed = true
	eff := m.recomputeAllSubmitted()
	eff.Applied = true
	return eff
}

func (m *Machine) applySnapshot(p *protocol.SnapshotPayload, env *protocol.Envelope) Effects {
	// Snapshots rebuild the mirror wholesale instead of replaying history.
	m.players = append(m.players[:0], p.Players...)
	m.enterState(protocol.PhaseID{Phase: p.Phase, QuestionIndex: p.QuestionIndex})
	m.questionID = p.QuestionID
	m.questionText = p.QuestionText
	m.phaseStart = time.UnixMilli(p.PhaseStart)
	m.receivedAt = env.ServerTimestamp()
	m.durationSec = p.DurationSec
	m.confirmed = true
	m.confirmedSubmitted = make(map[string]struct{}, len(p.Submitted))
	for _, id := range p.Submitted {
		m.confirmedSubmitted[id] = struct{}{}
	}
	m.haveConfirmed = true
	m.showResults = p.ShowResults
	m.phaseComplete = p.PhaseComplete
	if p.Scores != nil {
		m.scores = make(map[string]int, len(p.Scores))
		for k, v := range p.Scores {
			m.scores[k] = v
		}
	}
	eff := m.recomputeAllSubmitted()
	target := m.ID()
	log.Info().Stringer("phase", target).Int("players", len(p.Players)).Msg("session mirror rebuilt from snapshot")
	return Effects{Applied: true, PhaseChanged: true, Entered: target, AllSubmittedNow: eff.AllSubmittedNow, Ended: p.Phase == protocol.PhaseSessionEnd}
}

func (m *Machine) effectiveSubmitted() map[string]struct{} {
	if m.haveConfirmed {
		return m.confirmedSubmitted
	}
	return m.localSubmitted
}

func (m *Machine) recomputeAllSubmitted() Effects {
	was := m.allSubmitted
	m.allSubmitted = len(m.players) > 0 && len(m.effectiveSubmitted()) >= len(m.players)
	return Effects{Applied: true, AllSubmittedNow: !was && m.allSubmitted}
}

// startOrReceipt prefers an explicit start timestamp and falls back to the
// envelope's server time when the payload omits one.
func startOrReceipt(startMs int64, env *protocol.Envelope) time.Time {
	if startMs != 0 {
		return time.UnixMilli(startMs)
	}
	return env.ServerTimestamp()
}
