// Package collab declares the interfaces of the external collaborators the
// sync engine depends on but does not implement. Their side effects reach
// the engine only as inbound session messages.
package collab

import (
	"context"

	"github.com/mockmatch/mockmatch-client/internal/protocol"
)

// Lobby is the REST surface for lobby lifecycle. The engine never calls it
// directly; roster changes and kicks arrive as lobby_update messages and the
// kicked close frame.
type Lobby interface {
	Create(ctx context.Context, displayName string) (sessionID, playerID string, err error)
	Join(ctx context.Context, sessionID, displayName string) (playerID string, err error)
	Leave(ctx context.Context, sessionID, playerID string) error
	Start(ctx context.Context, sessionID, playerID string) error
	Kick(ctx context.Context, sessionID, ownerID, targetID string) error
	TransferOwnership(ctx context.Context, sessionID, ownerID, targetID string) error
}

// Transcriber turns captured media into the answer text submitted through
// the engine.
type Transcriber interface {
	Transcribe(ctx context.Context, media []byte) (string, error)
}

// Scorer produces the aggregated scores that the server pushes back as
// scores_ready messages.
type Scorer interface {
	Score(ctx context.Context, questionID string, answers map[string]string) (map[string]int, error)
}

// Roster is a convenience alias for the player list collaborators exchange.
type Roster = []protocol.PlayerInfo
