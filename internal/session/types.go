package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Conn is the delivery channel to one player. Satisfied by the gateway's
// websocket connection.
type Conn interface {
	Send(ctx context.Context, msg any) error
}

type Player struct {
	Identity string
	Conn     Conn
}

// Session is one live staked game. White always moves first; MovesSAN is
// the authoritative move list later fed to analysis.
type Session struct {
	ID          string
	White       Player
	Black       Player
	Stake       int64
	TimeControl string

	MovesSAN  []string
	whiteTurn bool
	analyzing bool
	StartedAt time.Time
}

// Snapshot is an immutable copy of a session taken when analysis begins.
type Snapshot struct {
	ID          string
	White       Player
	Black       Player
	Stake       int64
	TimeControl string
	MovesSAN    []string
}

// RelayResult tells the caller where a relayed move goes next.
type RelayResult struct {
	Peer      Player
	MoveSAN   string
	NextToAct string // identity of the side to move after this ply
}

const sessionSeed = "chessbets"

// DeriveSessionID hashes both identities in pairing order, so the same
// pairing always yields the same session id.
func DeriveSessionID(a, b string) string {
	h := sha256.New()
	h.Write([]byte(sessionSeed))
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}
