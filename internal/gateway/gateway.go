package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/chessbets/match-server/internal/analysis"
	"github.com/chessbets/match-server/internal/ledger"
	"github.com/chessbets/match-server/internal/matchqueue"
	"github.com/chessbets/match-server/internal/msgcat"
	"github.com/chessbets/match-server/internal/obslog"
	"github.com/chessbets/match-server/internal/review"
	"github.com/chessbets/match-server/internal/session"
	"github.com/chessbets/match-server/internal/settlement"
	"github.com/chessbets/match-server/pkg/matchdto"
)

// finishTimeout bounds the whole analyze-then-settle pipeline for one game.
const finishTimeout = 5 * time.Minute

// Ledger is the slice of the staking ledger the gateway calls directly.
type Ledger interface {
	PlayerStats(ctx context.Context, identity string) (*ledger.PlayerStats, error)
	CreateMatch(ctx context.Context, req ledger.CreateMatchRequest) error
	ConfirmMatch(ctx context.Context, req ledger.ConfirmMatchRequest) error
}

// Analyzer produces the anti-cheat report for a finished game.
type Analyzer interface {
	AnalyzeGame(ctx context.Context, movesSAN []string) (*analysis.Report, error)
}

// Settler releases the escrow for a clean game.
type Settler interface {
	Settle(ctx context.Context, snap *session.Snapshot, result matchdto.GameResult) (*settlement.Outcome, error)
}

// VerdictStore archives terminal records. Optional.
type VerdictStore interface {
	SaveVerdict(ctx context.Context, v *review.Verdict) error
}

type Deps struct {
	Queue    *matchqueue.Queue
	Sessions *session.Manager
	Ledger   Ledger
	Analyzer Analyzer
	Settler  Settler
	Verdicts VerdictStore // may be nil
	Catalog  *msgcat.Catalog
}

// Gateway terminates client websockets and routes their messages into
// matchmaking, relay and the post-game pipeline.
type Gateway struct {
	queue    *matchqueue.Queue
	sessions *session.Manager
	ledger   Ledger
	analyzer Analyzer
	settler  Settler
	verdicts VerdictStore
	cat      *msgcat.Catalog
}

func New(d Deps) *Gateway {
	return &Gateway{
		queue:    d.Queue,
		sessions: d.Sessions,
		ledger:   d.Ledger,
		analyzer: d.Analyzer,
		settler:  d.Settler,
		verdicts: d.Verdicts,
		cat:      d.Catalog,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.Error(err))
		return
	}

	c := &wsConn{id: uuid.NewString(), ws: ws}
	obslog.L().Info("ws_connected", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	g.readLoop(r.Context(), c)

	g.cleanup(c)
	c.close(websocket.StatusNormalClosure, "bye")
	obslog.L().Info("ws_closed", zap.String("conn_id", c.id))
}

func (g *Gateway) readLoop(ctx context.Context, c *wsConn) {
	for {
		var env matchdto.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				obslog.L().Debug("ws_read_error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		g.dispatch(ctx, c, &env)
	}
}

// cleanup runs once per connection, when its read loop ends. Any pending
// search is cancelled and any live session is torn down with the peer
// notified exactly once.
func (g *Gateway) cleanup(c *wsConn) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	g.queue.Cancel(c)
	gone, peer := g.sessions.Disconnect(c)
	if gone == nil || peer == nil {
		return
	}
	err := peer.Conn.Send(ctx, matchdto.OpponentDisconnected{
		Type:      matchdto.TypeOpponentDisconnected,
		SessionID: gone.ID,
		Message:   g.render("session.opponent_disconnected", nil),
	})
	if err != nil {
		obslog.L().Debug("peer_notify_failed", zap.String("session_id", gone.ID), zap.Error(err))
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *wsConn, env *matchdto.Envelope) {
	switch env.Type {
	case matchdto.TypeSearch:
		var req matchdto.SearchRequest
		if err := json.Unmarshal(env.Raw, &req); err != nil || req.Identity == "" || req.TimeControl == "" || req.Stake <= 0 {
			g.sendError(ctx, c, "error.invalid_message")
			return
		}
		g.handleSearch(ctx, c, req)
	case matchdto.TypeCancelSearch:
		g.handleCancel(ctx, c)
	case matchdto.TypeMove:
		var req matchdto.MoveRequest
		if err := json.Unmarshal(env.Raw, &req); err != nil || req.SessionID == "" || req.MoveSAN == "" {
			g.sendError(ctx, c, "error.invalid_message")
			return
		}
		g.handleMove(ctx, c, req)
	case matchdto.TypeGameOver:
		var req matchdto.GameOverRequest
		if err := json.Unmarshal(env.Raw, &req); err != nil || req.SessionID == "" {
			g.sendError(ctx, c, "error.invalid_message")
			return
		}
		g.handleGameOver(ctx, c, req)
	default:
		obslog.L().Debug("ws_unknown_type", zap.String("conn_id", c.id), zap.String("type", env.Type))
		g.sendError(ctx, c, "error.invalid_message")
	}
}

func (g *Gateway) handleSearch(ctx context.Context, c *wsConn, req matchdto.SearchRequest) {
	// a player is in the queue or in a session, never both
	if g.sessions.InSession(c, req.Identity) {
		g.sendError(ctx, c, "error.already_queued")
		return
	}

	stats, err := g.ledger.PlayerStats(ctx, req.Identity)
	if err != nil {
		obslog.L().Error("player_stats_failed", zap.String("identity", req.Identity), zap.Error(err))
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	trust := matchqueue.TrustScore(matchqueue.TrustInputs{
		AccountAge:     stats.AccountAgeSlots,
		GamesPlayed:    stats.GamesPlayed,
		HighStakeGames: stats.HighStakeGames,
		HighStakeWins:  stats.HighStakeWins,
		LowStakeGames:  stats.LowStakeGames,
		LowStakeWins:   stats.LowStakeWins,
	})

	p := &matchqueue.Participant{
		Conn:        c,
		Identity:    req.Identity,
		TimeControl: req.TimeControl,
		Stake:       req.Stake,
		Rating:      stats.Rating,
		Provisional: stats.Provisional,
		Trust:       trust,
		MaxStake:    stats.MaxStake,
	}

	m, err := g.queue.Search(ctx, p)
	switch {
	case errors.Is(err, matchqueue.ErrAlreadyQueued):
		g.sendError(ctx, c, "error.already_queued")
		return
	case errors.Is(err, matchqueue.ErrStakeTooHigh):
		g.sendError(ctx, c, "error.stake_too_high")
		return
	case err != nil:
		obslog.L().Error("queue_search_failed", zap.String("identity", req.Identity), zap.Error(err))
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	if m == nil {
		g.send(ctx, c, matchdto.MatchStatus{
			Type:    matchdto.TypeMatchStatus,
			Status:  "searching",
			Message: g.render("match.searching", nil),
		})
		return
	}
	g.startSession(ctx, m)
}

// startSession creates the session and the ledger escrow for a fresh
// pairing. The longer waiter takes white.
func (g *Gateway) startSession(ctx context.Context, m *matchqueue.Match) {
	white := session.Player{Identity: m.B.Identity, Conn: m.B.Conn.(session.Conn)}
	black := session.Player{Identity: m.A.Identity, Conn: m.A.Conn.(session.Conn)}

	s, err := g.sessions.Create(white, black, m.A.Stake, m.A.TimeControl)
	if err != nil {
		obslog.L().Error("session_create_failed",
			zap.String("white", white.Identity), zap.String("black", black.Identity), zap.Error(err))
		for _, pl := range []session.Player{white, black} {
			g.sendErrorTo(ctx, pl.Conn, "error.already_queued")
		}
		return
	}

	err = g.ledger.CreateMatch(ctx, ledger.CreateMatchRequest{
		SessionID:   s.ID,
		White:       white.Identity,
		Black:       black.Identity,
		Stake:       s.Stake,
		TimeControl: s.TimeControl,
	})
	if err != nil {
		obslog.L().Error("escrow_create_failed", zap.String("session_id", s.ID), zap.Error(err))
		g.sessions.Remove(s.ID)
		for _, pl := range []session.Player{white, black} {
			g.sendErrorTo(ctx, pl.Conn, "match.escrow_failed")
		}
		return
	}

	// acknowledge both sides on the escrow record; the ledger enforces the
	// actual deposits, a failed ack only surfaces at settlement
	for _, pl := range []session.Player{white, black} {
		err := g.ledger.ConfirmMatch(ctx, ledger.ConfirmMatchRequest{SessionID: s.ID, Identity: pl.Identity})
		if err != nil {
			obslog.L().Warn("escrow_confirm_failed",
				zap.String("session_id", s.ID), zap.String("identity", pl.Identity), zap.Error(err))
		}
	}

	for _, pl := range []struct {
		player session.Player
		color  string
	}{{white, "white"}, {black, "black"}} {
		msg := matchdto.MatchFound{
			Type:        matchdto.TypeMatchFound,
			SessionID:   s.ID,
			White:       white.Identity,
			Black:       black.Identity,
			YourColor:   pl.color,
			Stake:       s.Stake,
			TimeControl: s.TimeControl,
		}
		if err := pl.player.Conn.Send(ctx, msg); err != nil {
			obslog.L().Warn("match_found_notify_failed",
				zap.String("session_id", s.ID), zap.String("identity", pl.player.Identity), zap.Error(err))
		}
	}
}

func (g *Gateway) handleCancel(ctx context.Context, c *wsConn) {
	g.queue.Cancel(c)
	g.send(ctx, c, matchdto.MatchStatus{
		Type:    matchdto.TypeSearchCancelled,
		Status:  "cancelled",
		Message: g.render("match.cancelled", nil),
	})
}

func (g *Gateway) handleMove(ctx context.Context, c *wsConn, req matchdto.MoveRequest) {
	res, err := g.sessions.Relay(c, req.SessionID, req.Identity, req.MoveSAN)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		g.sendError(ctx, c, "error.unknown_session")
		return
	case errors.Is(err, session.ErrNotYourTurn):
		g.sendError(ctx, c, "error.not_your_turn")
		return
	case errors.Is(err, session.ErrUnauthorizedMove):
		g.sendError(ctx, c, "error.unauthorized_move")
		return
	case err != nil:
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	err = res.Peer.Conn.Send(ctx, matchdto.OpponentMoved{
		Type:          matchdto.TypeOpponentMoved,
		SessionID:     req.SessionID,
		MoveSAN:       res.MoveSAN,
		TurnAfterMove: res.NextToAct,
	})
	if err == nil {
		return
	}

	// peer socket is dead: the game cannot continue, tell the mover
	obslog.L().Warn("move_relay_failed",
		zap.String("session_id", req.SessionID), zap.String("peer", res.Peer.Identity), zap.Error(err))
	if gone, remaining := g.sessions.Disconnect(res.Peer.Conn); gone != nil && remaining != nil {
		g.sendTo(ctx, remaining.Conn, matchdto.OpponentDisconnected{
			Type:      matchdto.TypeOpponentDisconnected,
			SessionID: gone.ID,
			Message:   g.render("session.move_not_relayed", nil),
		})
	}
}

func (g *Gateway) handleGameOver(ctx context.Context, c *wsConn, req matchdto.GameOverRequest) {
	if !req.Result.Valid() {
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	s := g.sessions.Get(req.SessionID)
	if s == nil {
		g.sendError(ctx, c, "error.unknown_session")
		return
	}
	if s.White.Conn != session.Conn(c) && s.Black.Conn != session.Conn(c) {
		g.sendError(ctx, c, "error.unauthorized_move")
		return
	}
	if req.Result.Kind == matchdto.ResultWin &&
		req.Result.Winner != s.White.Identity && req.Result.Winner != s.Black.Identity {
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	snap, err := g.sessions.BeginAnalysis(req.SessionID)
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		g.sendError(ctx, c, "error.unknown_session")
		return
	case errors.Is(err, session.ErrAlreadyAnalyzing):
		g.sendError(ctx, c, "error.analysis_in_progress")
		return
	case err != nil:
		g.sendError(ctx, c, "error.invalid_message")
		return
	}

	go g.finishGame(snap, req.Result)
}

// finishGame runs the post-game pipeline: analysis, then settlement for
// clean games, then the archived verdict. It owns the session from here;
// the session entry is removed whatever the outcome.
func (g *Gateway) finishGame(snap *session.Snapshot, result matchdto.GameResult) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	defer g.sessions.Remove(snap.ID)

	rep, err := g.analyzer.AnalyzeGame(ctx, snap.MovesSAN)
	if err != nil {
		obslog.L().Error("analysis_failed", zap.String("session_id", snap.ID), zap.Error(err))
		g.broadcast(ctx, snap, matchdto.AnalysisError{
			Type:      matchdto.TypeAnalysisError,
			SessionID: snap.ID,
			Message:   g.render("analysis.error", nil),
		})
		g.saveVerdict(ctx, snap, result, nil, review.StatusAnalysisError, "")
		return
	}

	if rep.Suspicious {
		obslog.L().Warn("analysis_flagged",
			zap.String("session_id", snap.ID), zap.String("reason", rep.Reason),
			zap.Float64("avg_loss_white", rep.AvgLossWhite), zap.Float64("avg_loss_black", rep.AvgLossBlack))
		g.broadcast(ctx, snap, matchdto.AnalysisComplete{
			Type:      matchdto.TypeAnalysisComplete,
			SessionID: snap.ID,
			Status:    "under_review",
			Message:   g.render("analysis.under_review", nil),
		})
		g.saveVerdict(ctx, snap, result, rep, review.StatusUnderReview, "")
		return
	}

	g.broadcast(ctx, snap, matchdto.AnalysisComplete{
		Type:      matchdto.TypeAnalysisComplete,
		SessionID: snap.ID,
		Status:    "cleared",
		Message:   g.render("analysis.cleared", nil),
	})

	out, err := g.settler.Settle(ctx, snap, result)
	if err != nil {
		obslog.L().Error("settlement_failed", zap.String("session_id", snap.ID), zap.Error(err))
		g.broadcast(ctx, snap, matchdto.SettlementError{
			Type:      matchdto.TypeSettlementError,
			SessionID: snap.ID,
			Message:   g.render("settlement.error", map[string]string{"SessionID": snap.ID}),
		})
		g.saveVerdict(ctx, snap, result, rep, review.StatusCleared, "")
		return
	}

	g.broadcast(ctx, snap, matchdto.SettlementInitiated{
		Type:      matchdto.TypeSettlementInitiated,
		SessionID: snap.ID,
		TxRef:     out.TxRef,
		Message:   g.render("settlement.initiated", map[string]string{"SessionID": snap.ID}),
	})
	g.saveVerdict(ctx, snap, result, rep, review.StatusCleared, out.TxRef)
}

// NotifyExpanded tells still-waiting searchers their radius grew. Wired to
// the radius ticker in main.
func (g *Gateway) NotifyExpanded(ctx context.Context, grown []*matchqueue.Participant) {
	for _, p := range grown {
		err := p.Conn.Send(ctx, matchdto.MatchStatus{
			Type:    matchdto.TypeMatchStatus,
			Status:  "searching",
			Message: g.render("match.still_searching", nil),
		})
		if err != nil {
			obslog.L().Debug("radius_notify_failed", zap.String("identity", p.Identity), zap.Error(err))
		}
	}
}

func (g *Gateway) saveVerdict(ctx context.Context, snap *session.Snapshot, result matchdto.GameResult, rep *analysis.Report, status, txRef string) {
	if g.verdicts == nil {
		return
	}
	v := review.BuildVerdict(snap, result, rep, status, txRef)
	if err := g.verdicts.SaveVerdict(ctx, v); err != nil {
		obslog.L().Error("verdict_save_failed", zap.String("session_id", snap.ID), zap.Error(err))
	}
}

func (g *Gateway) broadcast(ctx context.Context, snap *session.Snapshot, msg any) {
	for _, pl := range []session.Player{snap.White, snap.Black} {
		if err := pl.Conn.Send(ctx, msg); err != nil {
			obslog.L().Debug("broadcast_failed",
				zap.String("session_id", snap.ID), zap.String("identity", pl.Identity), zap.Error(err))
		}
	}
}

func (g *Gateway) send(ctx context.Context, c *wsConn, msg any) {
	if err := c.Send(ctx, msg); err != nil {
		obslog.L().Debug("ws_send_failed", zap.String("conn_id", c.id), zap.Error(err))
	}
}

func (g *Gateway) sendTo(ctx context.Context, conn session.Conn, msg any) {
	if err := conn.Send(ctx, msg); err != nil {
		obslog.L().Debug("ws_send_failed", zap.Error(err))
	}
}

func (g *Gateway) sendError(ctx context.Context, c *wsConn, key string) {
	g.send(ctx, c, matchdto.ErrorMessage{Type: matchdto.TypeError, Message: g.render(key, nil)})
}

func (g *Gateway) sendErrorTo(ctx context.Context, conn session.Conn, key string) {
	g.sendTo(ctx, conn, matchdto.ErrorMessage{Type: matchdto.TypeError, Message: g.render(key, nil)})
}

func (g *Gateway) render(key string, data any) string {
	s, err := g.cat.Render(key, data)
	if err != nil {
		obslog.L().Warn("msgcat_render_failed", zap.String("key", key), zap.Error(err))
		return key
	}
	return s
}
