package analysis

import (
	"context"
	"fmt"
	"time"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/engine/uci"
	"github.com/chessbets/match-server/internal/obslog"
)

// mateHorizon bounds normalized mate scores. A mate in n maps to
// sign(n)*(mateHorizon-|n|) so a closer mate is always the more extreme
// evaluation.
const mateHorizon = 20000

type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Evaluator scores single positions. Implemented by *uci.Client; tests
// substitute a deterministic stub.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string, budget uci.Budget) (uci.Evaluation, error)
	Close() error
}

// EvaluatorFactory spawns a fresh engine per analyzed game so no state
// leaks across games and command serialization is trivial.
type EvaluatorFactory func(ctx context.Context) (Evaluator, error)

// NewEngineFactory returns a factory backed by a stockfish binary.
func NewEngineFactory(binaryPath string, opt uci.Options, evalTimeout time.Duration) EvaluatorFactory {
	return func(ctx context.Context) (Evaluator, error) {
		return uci.Start(ctx, binaryPath, opt, evalTimeout)
	}
}

type Thresholds struct {
	Depth               int // search depth per evaluation
	SuspicionACPL       int // average loss below this flags a side
	MinMovesForFlag     int // minimum computable moves before flagging
	NearPerfectLossCap  int // loss at or below this is near-perfect
	MinNearPerfectMoves int // near-perfect count that flags on its own
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Depth:               12,
		SuspicionACPL:       15,
		MinMovesForFlag:     10,
		NearPerfectLossCap:  2,
		MinNearPerfectMoves: 3,
	}
}

// MoveRecord is the per-ply outcome. Loss is centipawns lost by the mover;
// Computable is false for illegal moves, which carry zero loss and are
// excluded from aggregates.
type MoveRecord struct {
	Ply        int
	Side       Side
	MoveSAN    string
	Loss       int
	Computable bool
}

type Report struct {
	Moves []MoveRecord

	MovesWhite, MovesBlack             int
	AvgLossWhite, AvgLossBlack         float64
	NearPerfectWhite, NearPerfectBlack int

	Suspicious bool
	Reason     string
}

type Analyzer struct {
	factory EvaluatorFactory
	th      Thresholds
}

func New(factory EvaluatorFactory, th Thresholds) *Analyzer {
	if th.Depth <= 0 {
		th = DefaultThresholds()
	}
	return &Analyzer{factory: factory, th: th}
}

// AnalyzeGame replays the SAN move list on a fresh board, evaluating the
// position before and after every ply. Any engine failure fails the whole
// game's analysis.
func (a *Analyzer) AnalyzeGame(ctx context.Context, movesSAN []string) (*Report, error) {
	eval, err := a.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("start evaluator: %w", err)
	}
	defer eval.Close()

	game := nchess.NewGame()
	budget := uci.Budget{Depth: a.th.Depth}
	rep := &Report{}

	var totalWhite, totalBlack int

	for i, san := range movesSAN {
		mover := sideFrom(game.Position().Turn())
		fenBefore := game.FEN()

		before, err := a.scoreWhitePOV(ctx, eval, fenBefore, budget, game.Position().Turn())
		if err != nil {
			return nil, fmt.Errorf("evaluate ply %d: %w", i, err)
		}

		if err := game.PushNotationMove(san, nchess.AlgebraicNotation{}, nil); err != nil {
			obslog.L().Warn("analysis_skip_invalid_move",
				zap.Int("ply", i), zap.String("san", san), zap.String("fen", fenBefore))
			rep.Moves = append(rep.Moves, MoveRecord{Ply: i, Side: mover, MoveSAN: san})
			continue
		}

		after, err := a.scoreWhitePOV(ctx, eval, game.FEN(), budget, game.Position().Turn())
		if err != nil {
			return nil, fmt.Errorf("evaluate ply %d: %w", i, err)
		}

		// loss from the mover's own perspective
		loss := before - after
		if mover == Black {
			loss = after - before
		}

		rep.Moves = append(rep.Moves, MoveRecord{Ply: i, Side: mover, MoveSAN: san, Loss: loss, Computable: true})
		if mover == White {
			totalWhite += loss
			rep.MovesWhite++
			if loss <= a.th.NearPerfectLossCap {
				rep.NearPerfectWhite++
			}
		} else {
			totalBlack += loss
			rep.MovesBlack++
			if loss <= a.th.NearPerfectLossCap {
				rep.NearPerfectBlack++
			}
		}
	}

	if rep.MovesWhite > 0 {
		rep.AvgLossWhite = float64(totalWhite) / float64(rep.MovesWhite)
	}
	if rep.MovesBlack > 0 {
		rep.AvgLossBlack = float64(totalBlack) / float64(rep.MovesBlack)
	}

	a.flag(rep)
	return rep, nil
}

// scoreWhitePOV evaluates one position and normalizes the engine's
// side-to-move score to white's perspective.
func (a *Analyzer) scoreWhitePOV(ctx context.Context, eval Evaluator, fen string, budget uci.Budget, toMove nchess.Color) (int, error) {
	res, err := eval.Evaluate(ctx, fen, budget)
	if err != nil {
		return 0, err
	}
	cp := NormalizeScore(res.Score)
	if toMove == nchess.Black {
		cp = -cp
	}
	return cp, nil
}

// NormalizeScore maps an engine score to a single centipawn scale. Mate
// distances become bounded magnitudes where a closer mate is more extreme,
// preserving strength ordering.
func NormalizeScore(s uci.Score) int {
	if !s.IsMate {
		return s.CP
	}
	if s.MateIn >= 0 {
		return mateHorizon - s.MateIn
	}
	return -mateHorizon - s.MateIn
}

func (a *Analyzer) flag(rep *Report) {
	th := a.th
	switch {
	case rep.MovesWhite >= th.MinMovesForFlag && rep.AvgLossWhite < float64(th.SuspicionACPL):
		rep.Suspicious = true
		rep.Reason = fmt.Sprintf("white average loss too low: %.0f over %d moves", rep.AvgLossWhite, rep.MovesWhite)
	case rep.MovesBlack >= th.MinMovesForFlag && rep.AvgLossBlack < float64(th.SuspicionACPL):
		rep.Suspicious = true
		rep.Reason = fmt.Sprintf("black average loss too low: %.0f over %d moves", rep.AvgLossBlack, rep.MovesBlack)
	case rep.MovesWhite >= th.MinMovesForFlag && rep.NearPerfectWhite >= th.MinNearPerfectMoves &&
		rep.AvgLossWhite < float64(th.SuspicionACPL+10):
		rep.Suspicious = true
		rep.Reason = fmt.Sprintf("white played %d moves with loss <= %d (average %.0f over %d moves)",
			rep.NearPerfectWhite, th.NearPerfectLossCap, rep.AvgLossWhite, rep.MovesWhite)
	case rep.MovesBlack >= th.MinMovesForFlag && rep.NearPerfectBlack >= th.MinNearPerfectMoves &&
		rep.AvgLossBlack < float64(th.SuspicionACPL+10):
		rep.Suspicious = true
		rep.Reason = fmt.Sprintf("black played %d moves with loss <= %d (average %.0f over %d moves)",
			rep.NearPerfectBlack, th.NearPerfectLossCap, rep.AvgLossBlack, rep.MovesBlack)
	}
}

func sideFrom(c nchess.Color) Side {
	if c == nchess.White {
		return White
	}
	return Black
}
