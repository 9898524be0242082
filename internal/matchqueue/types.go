package matchqueue

import (
	"context"
	"time"
)

// Conn is the notification channel back to a queued client. The gateway's
// websocket connection satisfies it.
type Conn interface {
	Send(ctx context.Context, msg any) error
}

// Participant is one queued player. The search radius only grows while
// queued; it resets by the participant leaving the queue.
type Participant struct {
	Conn        Conn
	Identity    string
	TimeControl string
	Stake       int64

	Rating      int
	Provisional bool
	Trust       int
	MaxStake    int64

	JoinedAt time.Time
	Radius   int

	grewAt time.Time // last radius expansion, drives the next one
}

// Match is a successful pairing. Both participants are already removed
// from the queue when it is returned.
type Match struct {
	A, B        *Participant
	RatingDelta int
}

// TrustInputs are the anti-smurf metrics backing the trust score.
type TrustInputs struct {
	AccountAge     int64 // slots since account creation
	GamesPlayed    int
	HighStakeGames int
	HighStakeWins  int
	LowStakeGames  int
	LowStakeWins   int
}
