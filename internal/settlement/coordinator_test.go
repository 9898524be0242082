package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/chessbets/match-server/internal/ledger"
	"github.com/chessbets/match-server/internal/openings"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/pkg/matchdto"
)

type fakeLedger struct {
	results []ledger.ResultRecord
	settles []ledger.SettleRequest

	submitErr error
	settleErr error
}

func (f *fakeLedger) SubmitResult(_ context.Context, rec ledger.ResultRecord) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.results = append(f.results, rec)
	return nil
}

func (f *fakeLedger) SettleMatch(_ context.Context, req ledger.SettleRequest) (*ledger.SettleResponse, error) {
	f.settles = append(f.settles, req)
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &ledger.SettleResponse{TxRef: "tx-1"}, nil
}

type fakeRoyalty struct {
	recipient string
	entry     *openings.Entry
}

func (f *fakeRoyalty) RoyaltyRecipient(context.Context, []string) (string, *openings.Entry) {
	return f.recipient, f.entry
}

func testSnapshot() *session.Snapshot {
	return &session.Snapshot{
		ID:       "sess-1",
		White:    session.Player{Identity: "alice"},
		Black:    session.Player{Identity: "bob"},
		Stake:    1_000_000,
		MovesSAN: []string{"e4", "c5", "Nf3"},
	}
}

func TestSettleWin(t *testing.T) {
	l := &fakeLedger{}
	c := New(l, &fakeRoyalty{recipient: "collector", entry: &openings.Entry{ECO: "B20"}}, "treasury")

	out, err := c.Settle(context.Background(), testSnapshot(), matchdto.GameResult{
		Kind: matchdto.ResultWin, Winner: "alice", Reason: "checkmate",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.TxRef != "tx-1" || out.RoyaltyRecipient != "collector" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(l.results) != 1 || l.results[0].Winner != "alice" || l.results[0].MoveCount != 3 {
		t.Fatalf("result record = %+v", l.results)
	}
	if len(l.settles) != 1 || l.settles[0].RoyaltyRecipient != "collector" {
		t.Fatalf("settle request = %+v", l.settles)
	}
	if l.settles[0].PlatformRecipient != "treasury" {
		t.Fatalf("platform recipient missing from settle request: %+v", l.settles[0])
	}
}

func TestSettleDrawHasNoWinner(t *testing.T) {
	l := &fakeLedger{}
	c := New(l, &fakeRoyalty{recipient: "platform"}, "treasury")

	out, err := c.Settle(context.Background(), testSnapshot(), matchdto.GameResult{
		Kind: matchdto.ResultDraw, Reason: "stalemate",
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if out.RoyaltyRecipient != "platform" {
		t.Fatalf("outcome = %+v", out)
	}
	if l.settles[0].Winner != "" || l.settles[0].Outcome != "draw" {
		t.Fatalf("settle request = %+v", l.settles[0])
	}
}

func TestSettleRejectsInvalidResults(t *testing.T) {
	l := &fakeLedger{}
	c := New(l, &fakeRoyalty{recipient: "platform"}, "treasury")

	cases := []matchdto.GameResult{
		{Kind: matchdto.ResultWin},                   // win without winner
		{Kind: matchdto.ResultDraw, Winner: "alice"}, // draw with winner
		{Kind: "forfeit", Winner: "alice"},           // unknown kind
	}
	for _, res := range cases {
		if _, err := c.Settle(context.Background(), testSnapshot(), res); !errors.Is(err, ErrInvalidResult) {
			t.Fatalf("result %+v: err = %v, want ErrInvalidResult", res, err)
		}
	}

	_, err := c.Settle(context.Background(), testSnapshot(), matchdto.GameResult{
		Kind: matchdto.ResultWin, Winner: "mallory",
	})
	if !errors.Is(err, ErrUnknownWinner) {
		t.Fatalf("err = %v, want ErrUnknownWinner", err)
	}
	if len(l.settles) != 0 {
		t.Fatalf("invalid results must never reach the ledger")
	}
}

func TestSettleAbortsBeforeFundsMoveOnSubmitFailure(t *testing.T) {
	l := &fakeLedger{submitErr: errors.New("ledger down")}
	c := New(l, &fakeRoyalty{recipient: "platform"}, "treasury")

	_, err := c.Settle(context.Background(), testSnapshot(), matchdto.GameResult{
		Kind: matchdto.ResultWin, Winner: "bob", Reason: "resignation",
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if len(l.settles) != 0 {
		t.Fatalf("settle must not run when the result was not recorded")
	}
}

func TestSettleSurfacesSettleFailure(t *testing.T) {
	l := &fakeLedger{settleErr: errors.New("conflict")}
	c := New(l, &fakeRoyalty{recipient: "platform"}, "treasury")

	_, err := c.Settle(context.Background(), testSnapshot(), matchdto.GameResult{
		Kind: matchdto.ResultAborted, Reason: "disconnect",
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if len(l.settles) != 1 {
		t.Fatalf("settle attempted %d times, want exactly 1", len(l.settles))
	}
}
