package protocol

import "fmt"

// Phase is one stage of the shared session. The set is closed.
type Phase string

const (
	PhaseTutorial         Phase = "tutorial"
	PhaseRoundCountdown   Phase = "round_countdown"
	PhaseQuestionDisplay  Phase = "question_display"
	PhaseAnswerSubmission Phase = "answer_submission"
	PhaseScoreReveal      Phase = "score_reveal"
	PhaseSessionEnd       Phase = "session_end"
)

// phaseRank orders phases within one question cycle.
var phaseRank = map[Phase]int{
	PhaseTutorial:         0,
	PhaseRoundCountdown:   1,
	PhaseQuestionDisplay:  2,
	PhaseAnswerSubmission: 3,
	PhaseScoreReveal:      4,
	PhaseSessionEnd:       5,
}

// Valid reports whether p is a member of the closed phase set.
func (p Phase) Valid() bool {
	_, ok := phaseRank[p]
	return ok
}

// PhaseID uniquely identifies one instance of a phase: the pair
// (phase tag, question index).
type PhaseID struct {
	Phase         Phase `json:"phase"`
	QuestionIndex int   `json:"question_index"`
}

func (p PhaseID) String() string {
	return fmt.Sprintf("%s/%d", p.Phase, p.QuestionIndex)
}

// Before reports whether p is strictly earlier than o in session order.
// session_end is always last and tutorial always first regardless of
// question index; otherwise the question index orders first, then the
// phase tag within one question cycle.
func (p PhaseID) Before(o PhaseID) bool {
	if p == o {
		return false
	}
	if p.Phase == PhaseSessionEnd || o.Phase == PhaseSessionEnd {
		return o.Phase == PhaseSessionEnd
	}
	if p.Phase == PhaseTutorial || o.Phase == PhaseTutorial {
		return p.Phase == PhaseTutorial
	}
	if p.QuestionIndex != o.QuestionIndex {
		return p.QuestionIndex < o.QuestionIndex
	}
	return phaseRank[p.Phase] < phaseRank[o.Phase]
}

// IsRoundReset reports whether entering p is the one sanctioned backward
// move: the start of a new round resets the question index to zero.
func (p PhaseID) IsRoundReset() bool {
	return p.Phase == PhaseRoundCountdown && p.QuestionIndex == 0
}
