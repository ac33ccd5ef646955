package dedupe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

var (
	answering = protocol.PhaseID{Phase: protocol.PhaseAnswerSubmission, QuestionIndex: 0}
	revealing = protocol.PhaseID{Phase: protocol.PhaseScoreReveal, QuestionIndex: 0}
)

func env(id string, t protocol.MessageType, pid protocol.PhaseID, payload interface{}) *protocol.Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return &protocol.Envelope{
		ID:            id,
		SessionID:     "s1",
		Type:          t,
		Phase:         pid.Phase,
		QuestionIndex: pid.QuestionIndex,
		Payload:       raw,
	}
}

func TestDuplicateEnvelopeIDDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	e := env("m1", protocol.TypePlayerSubmitted, answering, protocol.PlayerSubmittedPayload{PlayerID: "p1"})
	require.Equal(t, Forward, d.Accept(e, answering))
	assert.Equal(t, Drop, d.Accept(e, answering), "replaying an accepted message must change nothing")
}

func TestSemanticDuplicateDroppedWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	payload := protocol.PlayerSubmittedPayload{PlayerID: "p1", Submitted: []string{"p1"}}
	require.Equal(t, Forward, d.Accept(env("m1", protocol.TypePlayerSubmitted, answering, payload), answering))

	// Same kind, phase and content under a different envelope id: a
	// redundant server broadcast.
	assert.Equal(t, Drop, d.Accept(env("m2", protocol.TypePlayerSubmitted, answering, payload), answering))

	// Outside the window the same content is a legitimate new message.
	clock.Advance(4 * time.Second)
	assert.Equal(t, Forward, d.Accept(env("m3", protocol.TypePlayerSubmitted, answering, payload), answering))
}

func TestOutOfPhaseDropped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	stale := protocol.PhaseID{Phase: protocol.PhaseAnswerSubmission, QuestionIndex: 0}
	current := protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: 1}

	e := env("m1", protocol.TypePlayerSubmitted, stale, protocol.PlayerSubmittedPayload{PlayerID: "p1"})
	assert.Equal(t, Drop, d.Accept(e, current))
}

func TestPhaseChangingKindsBypassPhaseFilter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	current := protocol.PhaseID{Phase: protocol.PhaseRoundCountdown, QuestionIndex: 0}
	e := env("m1", protocol.TypeRoundStartNavigate, protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay}, nil)
	assert.Equal(t, Forward, d.Accept(e, current))
}

func TestSynchronizedScoresBufferedUntilPrecursor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	scores := env("m1", protocol.TypeScoresReady, revealing, protocol.ScoresReadyPayload{
		Scores:       map[string]int{"p1": 10},
		Synchronized: true,
	})
	require.Equal(t, Buffered, d.Accept(scores, answering))
	require.Nil(t, d.TakeBuffered(answering))

	prep := env("m2", protocol.TypePrepareForScores, revealing, nil)
	require.Equal(t, Forward, d.Accept(prep, answering))

	held := d.TakeBuffered(revealing)
	require.NotNil(t, held, "buffered message must be replayable once the precursor arrives")
	assert.Equal(t, scores.ID, held.ID)
	assert.Nil(t, d.TakeBuffered(revealing), "replay consumes the buffer")
}

func TestUnsynchronizedScoresNotBuffered(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	scores := env("m1", protocol.TypeScoresReady, revealing, protocol.ScoresReadyPayload{
		Scores: map[string]int{"p1": 10},
	})
	// Wrong phase and not part of the synchronized handshake: dropped.
	assert.Equal(t, Drop, d.Accept(scores, answering))
	// Matching phase: forwarded directly.
	assert.Equal(t, Forward, d.Accept(env("m2", protocol.TypeScoresReady, revealing, protocol.ScoresReadyPayload{
		Scores: map[string]int{"p1": 11},
	}), revealing))
}

func TestResetDiscardsStaleBuffers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := New(clock, 3*time.Second)

	scores := env("m1", protocol.TypeScoresReady, revealing, protocol.ScoresReadyPayload{Synchronized: true})
	require.Equal(t, Buffered, d.Accept(scores, answering))

	next := protocol.PhaseID{Phase: protocol.PhaseQuestionDisplay, QuestionIndex: 1}
	d.Reset(next)
	assert.Nil(t, d.TakeBuffered(revealing))
}
