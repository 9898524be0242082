package ledger

// PlayerStats is the ledger's view of one identity. Fresh identities that
// the ledger has never seen get provisional defaults instead.
type PlayerStats struct {
	Identity        string `json:"identity"`
	Rating          int    `json:"rating"`
	Provisional     bool   `json:"provisional"`
	GamesPlayed     int    `json:"games_played"`
	AccountAgeSlots int64  `json:"account_age_slots"`
	MaxStake        int64  `json:"max_stake"`

	HighStakeGames int `json:"high_stake_games"`
	HighStakeWins  int `json:"high_stake_wins"`
	LowStakeGames  int `json:"low_stake_games"`
	LowStakeWins   int `json:"low_stake_wins"`
}

const (
	defaultRating   = 1200
	defaultMaxStake = 10_000_000
)

// DefaultStats is what an unknown identity plays as.
func DefaultStats(identity string) *PlayerStats {
	return &PlayerStats{
		Identity:    identity,
		Rating:      defaultRating,
		Provisional: true,
		MaxStake:    defaultMaxStake,
	}
}

type CreateMatchRequest struct {
	SessionID   string `json:"session_id"`
	White       string `json:"white"`
	Black       string `json:"black"`
	Stake       int64  `json:"stake"`
	TimeControl string `json:"time_control"`
}

type ConfirmMatchRequest struct {
	SessionID string `json:"session_id"`
	Identity  string `json:"identity"`
}

// ResultRecord reports the terminal state of a match to the ledger before
// settlement. Winner is empty for draws and aborts.
type ResultRecord struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"` // win, draw or aborted
	Winner    string `json:"winner,omitempty"`
	Reason    string `json:"reason,omitempty"`
	MoveCount int    `json:"move_count"`
}

// SettleRequest releases the escrowed stakes. PlatformRecipient collects
// the platform fee. RoyaltyRecipient receives the opening royalty cut; it
// is never empty, the platform identity is the fallback.
type SettleRequest struct {
	SessionID         string `json:"session_id"`
	Outcome           string `json:"outcome"`
	Winner            string `json:"winner,omitempty"`
	PlatformRecipient string `json:"platform_recipient"`
	RoyaltyRecipient  string `json:"royalty_recipient"`
}

type SettleResponse struct {
	TxRef string `json:"tx_ref"`
}
