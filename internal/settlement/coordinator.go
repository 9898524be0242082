package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/ledger"
	"github.com/chessbets/match-server/internal/obslog"
	"github.com/chessbets/match-server/internal/openings"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/pkg/matchdto"
)

var (
	ErrInvalidResult = errors.New("settlement: invalid game result")
	ErrUnknownWinner = errors.New("settlement: winner is not a participant")
)

// Ledger is the slice of the ledger API settlement needs.
type Ledger interface {
	SubmitResult(ctx context.Context, rec ledger.ResultRecord) error
	SettleMatch(ctx context.Context, req ledger.SettleRequest) (*ledger.SettleResponse, error)
}

// RoyaltyResolver names who collects the opening royalty for a move list.
type RoyaltyResolver interface {
	RoyaltyRecipient(ctx context.Context, movesSAN []string) (string, *openings.Entry)
}

// Outcome describes a completed settlement.
type Outcome struct {
	TxRef            string
	RoyaltyRecipient string
	Opening          *openings.Entry
}

// Coordinator turns a finished session into exactly one ledger settlement.
// The at-most-once guarantee comes from upstream: only the caller that won
// the session's analysis mark ever reaches Settle.
type Coordinator struct {
	ledger   Ledger
	royalty  RoyaltyResolver
	platform string
}

// New builds a coordinator. platformIdentity collects the platform fee on
// every settlement.
func New(l Ledger, r RoyaltyResolver, platformIdentity string) *Coordinator {
	return &Coordinator{ledger: l, royalty: r, platform: platformIdentity}
}

// Settle records the result and releases the escrow. A failed result
// submission aborts before any funds move; a failed settle is surfaced
// untouched so the operator can reconcile, never replayed.
func (c *Coordinator) Settle(ctx context.Context, snap *session.Snapshot, result matchdto.GameResult) (*Outcome, error) {
	if !result.Valid() {
		return nil, ErrInvalidResult
	}
	if result.Kind == matchdto.ResultWin &&
		result.Winner != snap.White.Identity && result.Winner != snap.Black.Identity {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWinner, result.Winner)
	}

	rec := ledger.ResultRecord{
		SessionID: snap.ID,
		Outcome:   string(result.Kind),
		Winner:    result.Winner,
		Reason:    result.Reason,
		MoveCount: len(snap.MovesSAN),
	}
	if err := c.ledger.SubmitResult(ctx, rec); err != nil {
		return nil, fmt.Errorf("submit result: %w", err)
	}

	recipient, opening := c.royalty.RoyaltyRecipient(ctx, snap.MovesSAN)

	resp, err := c.ledger.SettleMatch(ctx, ledger.SettleRequest{
		SessionID:         snap.ID,
		Outcome:           string(result.Kind),
		Winner:            result.Winner,
		PlatformRecipient: c.platform,
		RoyaltyRecipient:  recipient,
	})
	if err != nil {
		return nil, fmt.Errorf("settle match: %w", err)
	}

	fields := []zap.Field{
		zap.String("session_id", snap.ID),
		zap.String("outcome", string(result.Kind)),
		zap.String("tx_ref", resp.TxRef),
		zap.String("royalty_recipient", recipient),
	}
	if opening != nil {
		fields = append(fields, zap.String("opening", opening.ECO))
	}
	obslog.L().Info("settlement_complete", fields...)

	return &Outcome{TxRef: resp.TxRef, RoyaltyRecipient: recipient, Opening: opening}, nil
}
