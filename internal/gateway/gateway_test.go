package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chessbets/match-server/internal/analysis"
	"github.com/chessbets/match-server/internal/ledger"
	"github.com/chessbets/match-server/internal/matchqueue"
	"github.com/chessbets/match-server/internal/msgcat"
	"github.com/chessbets/match-server/internal/review"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/internal/settlement"
	"github.com/chessbets/match-server/pkg/matchdto"
)

type fakeLedger struct {
	mu        sync.Mutex
	stats     map[string]*ledger.PlayerStats
	created   []ledger.CreateMatchRequest
	confirmed []ledger.ConfirmMatchRequest
}

func (f *fakeLedger) PlayerStats(_ context.Context, identity string) (*ledger.PlayerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stats[identity]; ok {
		return s, nil
	}
	s := ledger.DefaultStats(identity)
	s.AccountAgeSlots = 500_000
	s.GamesPlayed = 60
	s.Provisional = false
	return s, nil
}

func (f *fakeLedger) CreateMatch(_ context.Context, req ledger.CreateMatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return nil
}

func (f *fakeLedger) ConfirmMatch(_ context.Context, req ledger.ConfirmMatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, req)
	return nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	rep   *analysis.Report
	calls int
}

func (f *fakeAnalyzer) AnalyzeGame(context.Context, []string) (*analysis.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.rep != nil {
		return f.rep, nil
	}
	return &analysis.Report{AvgLossWhite: 40, AvgLossBlack: 50}, nil
}

type fakeSettler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSettler) Settle(context.Context, *session.Snapshot, matchdto.GameResult) (*settlement.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &settlement.Outcome{TxRef: "tx-test", RoyaltyRecipient: "platform"}, nil
}

type fakeVerdicts struct {
	mu   sync.Mutex
	rows []*review.Verdict
}

func (f *fakeVerdicts) SaveVerdict(_ context.Context, v *review.Verdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, v)
	return nil
}

type harness struct {
	srv      *httptest.Server
	ledger   *fakeLedger
	analyzer *fakeAnalyzer
	settler  *fakeSettler
	verdicts *fakeVerdicts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := msgcat.New("")
	if err != nil {
		t.Fatalf("msgcat: %v", err)
	}
	h := &harness{
		ledger:   &fakeLedger{stats: map[string]*ledger.PlayerStats{}},
		analyzer: &fakeAnalyzer{},
		settler:  &fakeSettler{},
		verdicts: &fakeVerdicts{},
	}
	gw := New(Deps{
		Queue:    matchqueue.New(matchqueue.NoHistory{}, matchqueue.DefaultConfig()),
		Sessions: session.NewManager(),
		Ledger:   h.ledger,
		Analyzer: h.analyzer,
		Settler:  h.settler,
		Verdicts: h.verdicts,
		Catalog:  cat,
	})
	h.srv = httptest.NewServer(gw)
	t.Cleanup(h.srv.Close)
	return h
}

func dial(t *testing.T, ctx context.Context, h *harness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readMsg(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func expectType(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	msg := readMsg(t, ctx, conn)
	if msg["type"] != typ {
		t.Fatalf("got message %v, want type %q", msg, typ)
	}
	return msg
}

func searchMsg(identity string) map[string]any {
	return map[string]any{
		"type": "search", "identity": identity, "time_control": "5+0", "stake": 1_000_000,
	}
}

// pairUp connects two clients and walks them through matchmaking.
// Returns the sockets keyed by color along with their identities.
func pairUp(t *testing.T, ctx context.Context, h *harness) (white, black *websocket.Conn, whiteID, blackID, sessionID string) {
	t.Helper()
	connA := dial(t, ctx, h)
	connB := dial(t, ctx, h)

	if err := wsjson.Write(ctx, connA, searchMsg("alice")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectType(t, ctx, connA, matchdto.TypeMatchStatus)

	if err := wsjson.Write(ctx, connB, searchMsg("bob")); err != nil {
		t.Fatalf("write: %v", err)
	}

	foundA := expectType(t, ctx, connA, matchdto.TypeMatchFound)
	foundB := expectType(t, ctx, connB, matchdto.TypeMatchFound)
	sessionID = foundA["session_id"].(string)
	if sessionID == "" || sessionID != foundB["session_id"].(string) {
		t.Fatalf("session ids disagree: %v vs %v", foundA, foundB)
	}

	// alice searched first, so she waited longer and takes white
	if foundA["your_color"] != "white" || foundB["your_color"] != "black" {
		t.Fatalf("color assignment: a=%v b=%v", foundA["your_color"], foundB["your_color"])
	}
	return connA, connB, "alice", "bob", sessionID
}

func TestMatchmakingOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	_, _, _, _, sessionID := pairUp(t, ctx, h)

	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if len(h.ledger.created) != 1 || h.ledger.created[0].SessionID != sessionID {
		t.Fatalf("escrow not created: %+v", h.ledger.created)
	}
	if len(h.ledger.confirmed) != 2 {
		t.Fatalf("both sides should be acknowledged, got %+v", h.ledger.confirmed)
	}
}

func TestMoveRelayAndTurnOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	white, black, whiteID, blackID, sessionID := pairUp(t, ctx, h)

	// black tries to move first
	wsjson.Write(ctx, black, map[string]any{
		"type": "move", "session_id": sessionID, "identity": blackID, "move_san": "e5",
	})
	errMsg := expectType(t, ctx, black, matchdto.TypeError)
	if !strings.Contains(errMsg["message"].(string), "Not your turn") {
		t.Fatalf("unexpected error: %v", errMsg)
	}

	wsjson.Write(ctx, white, map[string]any{
		"type": "move", "session_id": sessionID, "identity": whiteID, "move_san": "e4",
	})
	moved := expectType(t, ctx, black, matchdto.TypeOpponentMoved)
	if moved["move_san"] != "e4" || moved["turn_after_move"] != blackID {
		t.Fatalf("relayed move: %v", moved)
	}

	wsjson.Write(ctx, black, map[string]any{
		"type": "move", "session_id": sessionID, "identity": blackID, "move_san": "e5",
	})
	moved = expectType(t, ctx, white, matchdto.TypeOpponentMoved)
	if moved["move_san"] != "e5" || moved["turn_after_move"] != whiteID {
		t.Fatalf("relayed reply: %v", moved)
	}
}

func TestGameOverCleanGameSettles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	white, black, whiteID, _, sessionID := pairUp(t, ctx, h)

	wsjson.Write(ctx, white, map[string]any{
		"type": "game_over_for_analysis", "session_id": sessionID,
		"result": map[string]any{"kind": "win", "winner": whiteID, "reason": "checkmate"},
	})

	for _, conn := range []*websocket.Conn{white, black} {
		done := expectType(t, ctx, conn, matchdto.TypeAnalysisComplete)
		if done["status"] != "cleared" {
			t.Fatalf("analysis status: %v", done)
		}
		settled := expectType(t, ctx, conn, matchdto.TypeSettlementInitiated)
		if settled["tx_ref"] != "tx-test" {
			t.Fatalf("settlement: %v", settled)
		}
	}

	h.settler.mu.Lock()
	calls := h.settler.calls
	h.settler.mu.Unlock()
	if calls != 1 {
		t.Fatalf("settler called %d times, want 1", calls)
	}

	h.verdicts.mu.Lock()
	defer h.verdicts.mu.Unlock()
	if len(h.verdicts.rows) != 1 || h.verdicts.rows[0].TxRef != "tx-test" {
		t.Fatalf("verdict rows: %+v", h.verdicts.rows)
	}
	if h.verdicts.rows[0].Status != review.StatusCleared {
		t.Fatalf("verdict status = %q", h.verdicts.rows[0].Status)
	}
}

func TestGameOverSuspiciousWithholdsSettlement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)
	h.analyzer.rep = &analysis.Report{
		Suspicious: true, Reason: "white average loss too low: 5 over 30 moves",
		AvgLossWhite: 5, AvgLossBlack: 48,
	}

	white, black, whiteID, _, sessionID := pairUp(t, ctx, h)

	wsjson.Write(ctx, white, map[string]any{
		"type": "game_over_for_analysis", "session_id": sessionID,
		"result": map[string]any{"kind": "win", "winner": whiteID, "reason": "checkmate"},
	})

	for _, conn := range []*websocket.Conn{white, black} {
		done := expectType(t, ctx, conn, matchdto.TypeAnalysisComplete)
		if done["status"] != "under_review" {
			t.Fatalf("analysis status: %v", done)
		}
	}

	h.settler.mu.Lock()
	calls := h.settler.calls
	h.settler.mu.Unlock()
	if calls != 0 {
		t.Fatalf("flagged game must not settle, settler called %d times", calls)
	}

	h.verdicts.mu.Lock()
	defer h.verdicts.mu.Unlock()
	if len(h.verdicts.rows) != 1 || !h.verdicts.rows[0].Suspicious {
		t.Fatalf("verdict rows: %+v", h.verdicts.rows)
	}
	if h.verdicts.rows[0].Status != review.StatusUnderReview {
		t.Fatalf("verdict status = %q", h.verdicts.rows[0].Status)
	}
}

func TestDuplicateGameOverRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	white, black, _, _, sessionID := pairUp(t, ctx, h)

	over := map[string]any{
		"type": "game_over_for_analysis", "session_id": sessionID,
		"result": map[string]any{"kind": "draw", "reason": "stalemate"},
	}
	wsjson.Write(ctx, white, over)
	for _, conn := range []*websocket.Conn{white, black} {
		expectType(t, ctx, conn, matchdto.TypeAnalysisComplete)
		expectType(t, ctx, conn, matchdto.TypeSettlementInitiated)
	}

	// session is gone once the pipeline finished, a re-report bounces
	wsjson.Write(ctx, black, over)
	expectType(t, ctx, black, matchdto.TypeError)

	h.analyzer.mu.Lock()
	defer h.analyzer.mu.Unlock()
	if h.analyzer.calls != 1 {
		t.Fatalf("analysis started %d times, want 1", h.analyzer.calls)
	}
}

func TestSearchDuringActiveSessionRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	white, black, whiteID, blackID, sessionID := pairUp(t, ctx, h)

	// a player with a game in progress cannot re-enter the queue
	wsjson.Write(ctx, white, searchMsg(whiteID))
	expectType(t, ctx, white, matchdto.TypeError)

	// the same identity on a fresh socket is refused too
	other := dial(t, ctx, h)
	wsjson.Write(ctx, other, searchMsg(blackID))
	expectType(t, ctx, other, matchdto.TypeError)

	// the running session is untouched by the rejected searches
	wsjson.Write(ctx, white, map[string]any{
		"type": "move", "session_id": sessionID, "identity": whiteID, "move_san": "e4",
	})
	moved := expectType(t, ctx, black, matchdto.TypeOpponentMoved)
	if moved["move_san"] != "e4" {
		t.Fatalf("relayed move: %v", moved)
	}
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	white, black, _, _, sessionID := pairUp(t, ctx, h)

	if err := white.Close(websocket.StatusNormalClosure, "quit"); err != nil {
		t.Fatalf("close: %v", err)
	}

	msg := expectType(t, ctx, black, matchdto.TypeOpponentDisconnected)
	if msg["session_id"] != sessionID {
		t.Fatalf("disconnect notice: %v", msg)
	}
}

func TestCancelSearch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	conn := dial(t, ctx, h)
	wsjson.Write(ctx, conn, searchMsg("alice"))
	expectType(t, ctx, conn, matchdto.TypeMatchStatus)

	wsjson.Write(ctx, conn, map[string]any{"type": "cancel_search"})
	expectType(t, ctx, conn, matchdto.TypeSearchCancelled)

	// cancelled searcher is pairable no longer
	other := dial(t, ctx, h)
	wsjson.Write(ctx, other, searchMsg("bob"))
	expectType(t, ctx, other, matchdto.TypeMatchStatus)
}

func TestMalformedMessageGetsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t)

	conn := dial(t, ctx, h)
	wsjson.Write(ctx, conn, map[string]any{"type": "search"}) // missing fields
	expectType(t, ctx, conn, matchdto.TypeError)

	wsjson.Write(ctx, conn, map[string]any{"type": "teleport"})
	expectType(t, ctx, conn, matchdto.TypeError)
}
