package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/chessbets/match-server/internal/analysis"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/pkg/matchdto"
)

// Verdict statuses. Cleared games went to settlement (the tx ref tells
// whether it succeeded), flagged games wait for a human, analysis errors
// never produced a report.
const (
	StatusCleared       = "cleared"
	StatusUnderReview   = "under_review"
	StatusAnalysisError = "analysis_error"
)

// Verdict is the archived terminal record of one staked game, including
// the anti-cheat aggregates reviewers work from.
type Verdict struct {
	ID          string
	SessionID   string
	White       string
	Black       string
	Stake       int64
	TimeControl string

	Outcome string
	Winner  string
	Reason  string

	Status          string
	Suspicious      bool
	SuspicionReason string
	AvgLossWhite    float64
	AvgLossBlack    float64

	MovesSAN []string
	PGN      string
	TxRef    string

	StartedAt time.Time
	EndedAt   time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// BuildVerdict assembles the archive row for a finished session. rep may
// be nil when analysis failed before producing a report.
func BuildVerdict(snap *session.Snapshot, result matchdto.GameResult, rep *analysis.Report, status, txRef string) *Verdict {
	v := &Verdict{
		ID:          uuid.NewString(),
		SessionID:   snap.ID,
		White:       snap.White.Identity,
		Black:       snap.Black.Identity,
		Stake:       snap.Stake,
		TimeControl: snap.TimeControl,
		Outcome:     string(result.Kind),
		Winner:      result.Winner,
		Reason:      result.Reason,
		Status:      status,
		MovesSAN:    snap.MovesSAN,
		TxRef:       txRef,
		EndedAt:     time.Now(),
	}
	if rep != nil {
		v.Suspicious = rep.Suspicious
		v.SuspicionReason = rep.Reason
		v.AvgLossWhite = rep.AvgLossWhite
		v.AvgLossBlack = rep.AvgLossBlack
	}
	v.PGN = buildPGN(v)
	return v
}

// SaveVerdict upserts the terminal record, keyed by session id so a
// re-reported game overwrites rather than duplicates.
func (r *Repository) SaveVerdict(ctx context.Context, v *Verdict) error {
	if r == nil || r.db == nil || v == nil {
		return nil
	}

	movesRaw, _ := json.Marshal(v.MovesSAN)

	q := `INSERT INTO match_verdicts (
	    id, session_id, white_identity, black_identity,
	    stake, time_control, outcome, winner, reason, status,
	    suspicious, suspicion_reason, avg_loss_white, avg_loss_black,
	    moves_san, pgn, tx_ref, ended_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
	  ) ON CONFLICT (session_id) DO UPDATE SET
	    outcome=EXCLUDED.outcome,
	    winner=EXCLUDED.winner,
	    reason=EXCLUDED.reason,
	    status=EXCLUDED.status,
	    suspicious=EXCLUDED.suspicious,
	    suspicion_reason=EXCLUDED.suspicion_reason,
	    avg_loss_white=EXCLUDED.avg_loss_white,
	    avg_loss_black=EXCLUDED.avg_loss_black,
	    moves_san=EXCLUDED.moves_san,
	    pgn=EXCLUDED.pgn,
	    tx_ref=EXCLUDED.tx_ref,
	    ended_at=EXCLUDED.ended_at`

	_, err := r.db.ExecContext(ctx, q,
		v.ID, v.SessionID, v.White, v.Black,
		v.Stake, v.TimeControl, v.Outcome, v.Winner, v.Reason, v.Status,
		v.Suspicious, v.SuspicionReason, v.AvgLossWhite, v.AvgLossBlack,
		string(movesRaw), v.PGN, v.TxRef, v.EndedAt,
	)
	return err
}

func pgnResult(v *Verdict) string {
	switch {
	case v.Outcome == string(matchdto.ResultDraw):
		return "1/2-1/2"
	case v.Winner != "" && v.Winner == v.White:
		return "1-0"
	case v.Winner != "" && v.Winner == v.Black:
		return "0-1"
	default:
		return "*"
	}
}

func buildPGN(v *Verdict) string {
	var b strings.Builder
	date := v.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := pgnResult(v)

	b.WriteString("[Event \"ChessBets Staked Match\"]\n")
	b.WriteString("[Site \"chessbets\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(v.White)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(v.Black)))
	if strings.TrimSpace(v.TimeControl) != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(v.TimeControl)))
	}
	if strings.TrimSpace(v.Reason) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(v.Reason))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(v.MovesSAN); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(v.MovesSAN[i])))
		if i+1 < len(v.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(v.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
