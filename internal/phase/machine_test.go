package phase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

var roster = []protocol.PlayerInfo{
	{ID: "pA", Name: "Ada", Owner: true},
	{ID: "pB", Name: "Bea"},
}

func env(t protocol.MessageType, pid protocol.PhaseID, serverTimeMs int64, payload interface{}) *protocol.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &protocol.Envelope{
		ID:            "id-" + string(t),
		SessionID:     "s1",
		Type:          t,
		ServerTime:    serverTimeMs,
		Phase:         pid.Phase,
		QuestionIndex: pid.QuestionIndex,
		Payload:       raw,
	}
}

func apply(t *testing.T, m *Machine, e *protocol.Envelope) Effects {
	t.Helper()
	payload, err := protocol.ParsePayload(e)
	require.NoError(t, err)
	return m.Apply(e, payload)
}

func newAnsweringMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine()
	m.SetPlayers(roster)
	questionAt(t, m, 0)
	eff := m.ForceAdvance(protocol.PhaseID{Phase: protocol.PhaseAnswerSubmission, QuestionIndex: 0}, time.UnixMilli(2_000_000))
	require.True(t, eff.PhaseChanged)
	return m
}

func questionAt(t *testing.T, m *Machine, idx int) {
	t.Helper()
	e := env(protocol.TypeQuestionStart, protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: idx}, 1_000_000, protocol.QuestionPayload{
		QuestionID:  "q1",
		Text:        "Describe a hard bug you fixed.",
		StartTime:   1_000_000,
		ReadingSec:  10,
		DurationSec: 60,
	})
	eff := apply(t, m, e)
	require.True(t, eff.Applied)
}

func TestAllSubmittedFlipsOnlyOnLastPlayer(t *testing.T) {
	m := newAnsweringMachine(t)
	pid := m.ID()

	eff := apply(t, m, env(protocol.TypePlayerSubmitted, pid, 0, protocol.PlayerSubmittedPayload{
		PlayerID:  "pA",
		Submitted: []string{"pA"},
	}))
	assert.False(t, eff.AllSubmittedNow)
	assert.False(t, m.State().AllSubmitted)

	eff = apply(t, m, env(protocol.TypePlayerSubmitted, pid, 0, protocol.PlayerSubmittedPayload{
		PlayerID:  "pB",
		Submitted: []string{"pA", "pB"},
	}))
	assert.True(t, eff.AllSubmittedNow)
	assert.True(t, m.State().AllSubmitted)

	// Invariant: allSubmitted == (len(submitted) >= len(players)).
	st := m.State()
	assert.Equal(t, st.AllSubmitted, len(st.Submitted) >= len(st.Players))
}

func TestServerSubmissionSetWinsOverOptimistic(t *testing.T) {
	m := newAnsweringMachine(t)

	m.LocalSubmit("pA")
	assert.Contains(t, m.State().Submitted, "pA")

	// Server disagrees: only pB has submitted. The server set wins.
	apply(t, m, env(protocol.TypePlayerSubmitted, m.ID(), 0, protocol.PlayerSubmittedPayload{
		PlayerID:  "pB",
		Submitted: []string{"pB"},
	}))
	st := m.State()
	assert.NotContains(t, st.Submitted, "pA")
	assert.Contains(t, st.Submitted, "pB")
	assert.False(t, st.AllSubmitted)
}

func TestNoBackwardPhaseTransition(t *testing.T) {
	m := NewMachine()
	m.SetPlayers(roster)
	questionAt(t, m, 1)
	require.Equal(t, 1, m.State().QuestionIndex)

	// A stale event for question 0 arrives late: ignored.
	eff := apply(t, m, env(protocol.TypeQuestionStart, protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: 0}, 1_500_000, protocol.QuestionPayload{
		QuestionID: "q0", Text: "old", StartTime: 900_000, ReadingSec: 10, DurationSec: 60,
	}))
	assert.False(t, eff.Applied)
	assert.Equal(t, 1, m.State().QuestionIndex)

	// Except the sanctioned reset: a new round countdown at index 0.
	eff = apply(t, m, env(protocol.TypeRoundStartCountdown, protocol.PhaseID{Phase: protocol.PhaseRoundCountdown}, 2_000_000, protocol.CountdownPayload{
		DurationSec: 5, StartTime: 2_000_000,
	}))
	assert.True(t, eff.PhaseChanged)
	assert.Equal(t, protocol.PhaseRoundCountdown, m.State().Phase)
	assert.Equal(t, 0, m.State().QuestionIndex)
}

func TestReentrySameIdentityIsNoOp(t *testing.T) {
	m := newAnsweringMachine(t)
	m.LocalSubmit("pA")
	apply(t, m, env(protocol.TypePlayerSubmitted, m.ID(), 0, protocol.PlayerSubmittedPayload{
		PlayerID: "pA", Submitted: []string{"pA"},
	}))
	before := m.State()

	// Reconnection replay of the events that produced this identity.
	replay := env(protocol.TypeQuestionStart, protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: 0}, 1_000_000, protocol.QuestionPayload{
		QuestionID: "q1", Text: "Describe a hard bug you fixed.", StartTime: 1_000_000, ReadingSec: 10, DurationSec: 60,
	})
	eff := apply(t, m, replay)
	assert.False(t, eff.PhaseChanged)
	eff = m.ForceAdvance(protocol.PhaseID{Phase: protocol.PhaseAnswerSubmission, QuestionIndex: 0}, time.UnixMilli(9_000_000))
	assert.False(t, eff.PhaseChanged)

	after := m.State()
	assert.Equal(t, before.Submitted, after.Submitted, "submission set must survive replay")
	assert.Equal(t, before.QuestionText, after.QuestionText)
}

func TestForcedAdvanceConfirmedByServer(t *testing.T) {
	m := NewMachine()
	m.SetPlayers(roster)

	apply(t, m, env(protocol.TypeRoundStartCountdown, protocol.PhaseID{Phase: protocol.PhaseRoundCountdown}, 1_000_000, protocol.CountdownPayload{
		DurationSec: 5, StartTime: 1_000_000,
	}))

	// Grace backstop fires: advance without server confirmation.
	eff := m.ForceAdvance(protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay}, time.UnixMilli(1_007_000))
	require.True(t, eff.PhaseChanged)
	st := m.State()
	assert.True(t, st.ForcedLocally)
	assert.False(t, st.Confirmed)
	assert.Empty(t, st.QuestionText, "content waits for the server advance event")

	// The late authoritative message for the same identity confirms the
	// entry and fills the content without resetting anything.
	questionAt(t, m, 0)
	st = m.State()
	assert.True(t, st.Confirmed)
	assert.False(t, st.ForcedLocally)
	assert.Equal(t, "Describe a hard bug you fixed.", st.QuestionText)

	// Repeating it is a no-op.
	questionAt(t, m, 0)
	assert.Equal(t, st.QuestionText, m.State().QuestionText)
}

func TestShowResultsLatchesOnce(t *testing.T) {
	m := newAnsweringMachine(t)
	pid := protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: 0}

	eff := apply(t, m, env(protocol.TypeShowResults, pid, 0, protocol.ShowResultsPayload{Reason: "timeout", PhaseComplete: true}))
	assert.True(t, eff.ResultsShown)
	assert.True(t, m.State().ShowResults)
	assert.True(t, m.State().PhaseComplete)

	eff = m.Apply(env(protocol.TypeShowResults, pid, 0, protocol.ShowResultsPayload{Reason: "retry"}), &protocol.ShowResultsPayload{Reason: "retry"})
	assert.False(t, eff.ResultsShown, "showResults becomes true exactly once per phase instance")
	assert.True(t, m.State().ShowResults)
}

func TestSnapshotReplacesMirrorWholesale(t *testing.T) {
	m := newAnsweringMachine(t)
	m.LocalSubmit("pA")

	snap := protocol.SnapshotPayload{
		Players:       roster,
		Phase:         protocol.PhaseScoreReveal,
		QuestionIndex: 1,
		PhaseStart:    3_000_000,
		DurationSec:   30,
		Submitted:     []string{"pA", "pB"},
		ShowResults:   true,
		Scores:        map[string]int{"pA": 7, "pB": 9},
	}
	eff := apply(t, m, env(protocol.TypeStateSnapshot, protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: 1}, 3_100_000, snap))
	require.True(t, eff.PhaseChanged)

	st := m.State()
	assert.Equal(t, protocol.PhaseScoreReveal, st.Phase)
	assert.Equal(t, 1, st.QuestionIndex)
	assert.ElementsMatch(t, []string{"pA", "pB"}, st.Submitted)
	assert.True(t, st.AllSubmitted)
	assert.True(t, st.ShowResults)
	assert.Equal(t, 9, st.Scores["pB"])
	assert.True(t, st.Confirmed)
}

func TestGameEndCarriesRankings(t *testing.T) {
	m := newAnsweringMachine(t)
	eff := apply(t, m, env(protocol.TypeGameEnd, protocol.PhaseID{Phase: protocol.PhaseSessionEnd}, 0, protocol.GameEndPayload{
		Rankings: []protocol.RankingEntry{
			{PlayerID: "pB", Name: "Bea", Score: 20, Rank: 1},
			{PlayerID: "pA", Name: "Ada", Score: 15, Rank: 2},
		},
	}))
	assert.True(t, eff.Ended)
	st := m.State()
	assert.Equal(t, protocol.PhaseSessionEnd, st.Phase)
	require.Len(t, st.Rankings, 2)
	assert.Equal(t, "pB", st.Rankings[0].PlayerID)
}
