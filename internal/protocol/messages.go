package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a session message.
type MessageType string

// Inbound message kinds pushed by the server.
const (
	TypeLobbyUpdate          MessageType = "lobby_update"
	TypeTutorialStart        MessageType = "tutorial_start"
	TypeTutorialSlide        MessageType = "tutorial_slide"
	TypeRoundStartCountdown  MessageType = "round_start_countdown"
	TypeRoundStartNavigate   MessageType = "round_start_navigate"
	TypeQuestionStart        MessageType = "question_start"
	TypeQuestionReceived     MessageType = "question_received"
	TypePlayerSubmitted      MessageType = "player_submitted"
	TypePrepareForScores     MessageType = "prepare_for_scores"
	TypeScoresReady          MessageType = "scores_ready"
	TypeShowResults          MessageType = "show_results"
	TypePlayerReadyForScores MessageType = "player_ready_for_scores"
	TypePlayerReadyContinue  MessageType = "player_ready_to_continue"
	TypeAllReadyContinue     MessageType = "all_ready_to_continue"
	TypeGameEnd              MessageType = "game_end"
	TypeStateSnapshot        MessageType = "state_snapshot"
)

// Outbound message kinds produced by the engine.
const (
	TypeSubmitAnswer    MessageType = "submit_answer"
	TypeReadyForScores  MessageType = "ready_for_scores"
	TypeReadyToContinue MessageType = "ready_to_continue"
	TypeTimerExpired    MessageType = "timer_expired"
	TypeRequestQuestion MessageType = "request_question"
	TypeRequestState    MessageType = "request_state"
)

// CloseKicked is the websocket close code the server uses to force-remove a
// player. It is terminal: a client receiving it must not reconnect.
const CloseKicked = 4001

// Envelope is the wire frame for every session message, inbound and outbound.
type Envelope struct {
	ID            string          `json:"id"`                       // idempotency key
	SessionID     string          `json:"session_id"`
	Type          MessageType     `json:"type"`
	ServerTime    int64           `json:"server_time,omitempty"`    // ms since epoch, server clock
	Phase         Phase           `json:"phase,omitempty"`
	QuestionIndex int             `json:"question_index,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PhaseID returns the phase identity the envelope addresses.
func (e *Envelope) PhaseID() PhaseID {
	return PhaseID{Phase: e.Phase, QuestionIndex: e.QuestionIndex}
}

// NewOutbound builds an outbound envelope with a fresh idempotency key.
func NewOutbound(sessionID string, t MessageType, id PhaseID, payload interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = data
	}
	return &Envelope{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Type:          t,
		Phase:         id.Phase,
		QuestionIndex: id.QuestionIndex,
		Payload:       raw,
	}, nil
}

// ServerTimestamp converts the envelope's server clock value to a time.Time.
// The zero time is returned when the envelope carries no sample.
func (e *Envelope) ServerTimestamp() time.Time {
	if e.ServerTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.ServerTime)
}

// phaseChanging lists the kinds whose purpose is to change the active phase.
// They bypass the deduplicator's same-phase filter.
var phaseChanging = map[MessageType]bool{
	TypeTutorialStart:       true,
	TypeTutorialSlide:       true,
	TypeRoundStartCountdown: true,
	TypeRoundStartNavigate:  true,
	TypeQuestionStart:       true,
	TypeQuestionReceived:    true,
	TypePrepareForScores:    true,
	TypeShowResults:         true,
	TypeGameEnd:             true,
	TypeStateSnapshot:       true,
	TypeLobbyUpdate:         true, // roster changes apply in any phase
}

// IsPhaseChanging reports whether messages of this kind are allowed to name a
// phase other than the currently active one.
func IsPhaseChanging(t MessageType) bool {
	return phaseChanging[t]
}

// PlayerInfo is one roster entry.
type PlayerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner bool   `json:"owner"`
}

// LobbyUpdatePayload carries the current roster.
type LobbyUpdatePayload struct {
	Players []PlayerInfo `json:"players"`
	Status  string       `json:"status"`
}

// TutorialSlidePayload advances the tutorial to a specific slide.
type TutorialSlidePayload struct {
	Slide int `json:"slide"`
}

// CountdownPayload starts the round countdown.
type CountdownPayload struct {
	DurationSec int   `json:"duration_sec"`
	StartTime   int64 `json:"start_time"` // ms since epoch, server clock
}

// QuestionPayload carries question content for question_start /
// question_received. TargetPlayerID is set for personalized follow-ups.
type QuestionPayload struct {
	QuestionID     string `json:"question_id"`
	Text           string `json:"text"`
	StartTime      int64  `json:"start_time"`
	ReadingSec     int    `json:"reading_sec"`
	DurationSec    int    `json:"duration_sec"`
	TargetPlayerID string `json:"target_player_id,omitempty"`
}

// PlayerSubmittedPayload broadcasts one submission together with the
// authoritative set of players who have submitted so far.
type PlayerSubmittedPayload struct {
	PlayerID  string   `json:"player_id"`
	Submitted []string `json:"submitted"`
}

// ScoresReadyPayload carries aggregated scores. Synchronized marks the
// two-message handshake variant that must follow a prepare_for_scores.
type ScoresReadyPayload struct {
	Scores       map[string]int `json:"scores"`
	RoundDelta   map[string]int `json:"round_delta,omitempty"`
	Synchronized bool           `json:"synchronized"`
}

// ShowResultsPayload forces the score reveal.
type ShowResultsPayload struct {
	Reason        string `json:"reason"`
	PhaseComplete bool   `json:"phase_complete"`
}

// ReadyPayload identifies the player behind a readiness broadcast.
type ReadyPayload struct {
	PlayerID string `json:"player_id"`
}

// RankingEntry is one row of the final standings.
type RankingEntry struct {
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// GameEndPayload carries the final rankings.
type GameEndPayload struct {
	Rankings []RankingEntry `json:"rankings"`
}

// SnapshotPayload is the full session mirror sent in response to
// request_state after a reconnect. It replaces local state wholesale.
type SnapshotPayload struct {
	Players         []PlayerInfo   `json:"players"`
	Phase           Phase          `json:"phase"`
	QuestionIndex   int            `json:"question_index"`
	QuestionID      string         `json:"question_id,omitempty"`
	QuestionText    string         `json:"question_text,omitempty"`
	PhaseStart      int64          `json:"phase_start"`
	DurationSec     int            `json:"duration_sec"`
	Submitted       []string       `json:"submitted"`
	ReadyForScores  []string       `json:"ready_for_scores"`
	ReadyToContinue []string       `json:"ready_to_continue"`
	ShowResults     bool           `json:"show_results"`
	PhaseComplete   bool           `json:"phase_complete"`
	Scores          map[string]int `json:"scores,omitempty"`
}

// SubmitAnswerPayload is the outbound submission.
type SubmitAnswerPayload struct {
	PlayerID   string `json:"player_id"`
	Answer     string `json:"answer"`
	QuestionID string `json:"question_id"`
}

// TimerExpiredPayload advises the server that the local countdown hit zero.
// The server's own timeout remains the binding deadline.
type TimerExpiredPayload struct {
	PlayerID string `json:"player_id"`
}

// ParsePayload decodes an envelope's payload into the struct matching its
// kind. Unknown kinds return (nil, nil) so callers can log and drop them.
func ParsePayload(e *Envelope) (interface{}, error) {
	decode := func(v interface{}) (interface{}, error) {
		if len(e.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
		}
		return v, nil
	}

	switch e.Type {
	case TypeLobbyUpdate:
		return decode(&LobbyUpdatePayload{})
	case TypeTutorialSlide:
		return decode(&TutorialSlidePayload{})
	case TypeRoundStartCountdown:
		return decode(&CountdownPayload{})
	case TypeQuestionStart, TypeQuestionReceived:
		return decode(&QuestionPayload{})
	case TypePlayerSubmitted:
		return decode(&PlayerSubmittedPayload{})
	case TypeScoresReady:
		return decode(&ScoresReadyPayload{})
	case TypeShowResults:
		return decode(&ShowResultsPayload{})
	case TypePlayerReadyForScores, TypePlayerReadyContinue:
		return decode(&ReadyPayload{})
	case TypeGameEnd:
		return decode(&GameEndPayload{})
	case TypeStateSnapshot:
		return decode(&SnapshotPayload{})
	case TypeTutorialStart, TypeRoundStartNavigate, TypePrepareForScores, TypeAllReadyContinue:
		return struct{}{}, nil
	default:
		return nil, nil
	}
}
