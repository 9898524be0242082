package matchdto

import "encoding/json"

// Inbound message types.
const (
	TypeSearch       = "search"
	TypeCancelSearch = "cancel_search"
	TypeMove         = "move"
	TypeGameOver     = "game_over_for_analysis"
)

// Outbound message types.
const (
	TypeMatchStatus          = "match_status"
	TypeSearchCancelled      = "search_cancelled"
	TypeMatchFound           = "match_found"
	TypeOpponentMoved        = "opponent_moved"
	TypeOpponentDisconnected = "opponent_disconnected"
	TypeAnalysisComplete     = "analysis_complete"
	TypeAnalysisError        = "analysis_error"
	TypeSettlementInitiated  = "settlement_initiated"
	TypeSettlementError      = "settlement_error"
	TypeError                = "error"
)

// Envelope is the raw inbound frame. Payload fields are decoded a second
// time into the concrete request type once Type is known.
type Envelope struct {
	Type string `json:"type"`
	Raw  json.RawMessage
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	e.Type = head.Type
	e.Raw = append(e.Raw[:0], b...)
	return nil
}

type SearchRequest struct {
	Identity    string `json:"identity"`
	TimeControl string `json:"time_control"`
	Stake       int64  `json:"stake"`
}

type MoveRequest struct {
	SessionID string `json:"session_id"`
	MoveSAN   string `json:"move_san"`
	Identity  string `json:"identity"`
}

type GameOverRequest struct {
	SessionID string     `json:"session_id"`
	Result    GameResult `json:"result"`
}

// ResultKind tags the reported outcome of a finished game. A draw or an
// aborted game is explicit; there is no sentinel identity for "no winner".
type ResultKind string

const (
	ResultWin     ResultKind = "win"
	ResultDraw    ResultKind = "draw"
	ResultAborted ResultKind = "aborted"
)

type GameResult struct {
	Kind   ResultKind `json:"kind"`
	Winner string     `json:"winner,omitempty"`
	Reason string     `json:"reason"`
}

// Valid reports whether the tagged result is internally consistent.
func (r GameResult) Valid() bool {
	switch r.Kind {
	case ResultWin:
		return r.Winner != ""
	case ResultDraw, ResultAborted:
		return r.Winner == ""
	default:
		return false
	}
}

type MatchStatus struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type MatchFound struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	White       string `json:"white"`
	Black       string `json:"black"`
	YourColor   string `json:"your_color"`
	Stake       int64  `json:"stake"`
	TimeControl string `json:"time_control"`
}

type OpponentMoved struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	MoveSAN       string `json:"move_san"`
	TurnAfterMove string `json:"turn_after_move"` // identity of the side to move
}

type OpponentDisconnected struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type AnalysisComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"` // "cleared" | "under_review"
	Message   string `json:"message"`
}

type AnalysisError struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type SettlementInitiated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TxRef     string `json:"tx_ref"`
	Message   string `json:"message"`
}

type SettlementError struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
