package matchqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chessbets/match-server/internal/obslog"
)

var (
	ErrAlreadyQueued = errors.New("matchqueue: identity already queued")
	ErrStakeTooHigh  = errors.New("matchqueue: stake exceeds allowed maximum")
)

type Config struct {
	BaseRadius        int
	ProvisionalRadius int
	RadiusStep        int
	RadiusCap         int
	TrustThreshold    int
	Tick              time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseRadius:        200,
		ProvisionalRadius: 400,
		RadiusStep:        25,
		RadiusCap:         600,
		TrustThreshold:    40,
		Tick:              5 * time.Second,
	}
}

// Queue pairs waiting players on stake, time control, rating distance and
// trust. All mutation happens under one mutex; redis round-trips for the
// pair history stay outside hot loops by fetching each side's list once.
type Queue struct {
	mu      sync.Mutex
	waiting []*Participant

	history PairHistory
	cfg     Config
	now     func() time.Time
}

func New(history PairHistory, cfg Config) *Queue {
	if cfg.BaseRadius <= 0 {
		cfg = DefaultConfig()
	}
	if history == nil {
		history = NoHistory{}
	}
	return &Queue{history: history, cfg: cfg, now: time.Now}
}

// Search enqueues p, first attempting an immediate pairing against the
// waiting pool. A non-nil Match means both sides are already dequeued and
// the pairing is recorded in the history store.
func (q *Queue) Search(ctx context.Context, p *Participant) (*Match, error) {
	if p.Stake > p.MaxStake {
		return nil, ErrStakeTooHigh
	}

	recent, err := q.history.Recent(ctx, p.Identity)
	if err != nil {
		obslog.L().Warn("pair_history_unavailable", zap.String("identity", p.Identity), zap.Error(err))
		recent = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, w := range q.waiting {
		if w.Identity == p.Identity {
			return nil, ErrAlreadyQueued
		}
	}

	p.JoinedAt = q.now()
	p.grewAt = p.JoinedAt
	if p.Radius == 0 {
		p.Radius = q.cfg.BaseRadius
		if p.Provisional {
			p.Radius = q.cfg.ProvisionalRadius
		}
	}

	best := q.pickOpponent(ctx, p, recent)
	if best == nil {
		q.waiting = append(q.waiting, p)
		obslog.L().Info("queue_join",
			zap.String("identity", p.Identity),
			zap.String("time_control", p.TimeControl),
			zap.Int64("stake", p.Stake),
			zap.Int("radius", p.Radius),
			zap.Int("waiting", len(q.waiting)))
		return nil, nil
	}

	q.remove(best)
	if err := q.history.Record(ctx, p.Identity, best.Identity); err != nil {
		obslog.L().Warn("pair_history_record_failed",
			zap.String("a", p.Identity), zap.String("b", best.Identity), zap.Error(err))
	}

	delta := p.Rating - best.Rating
	if delta < 0 {
		delta = -delta
	}
	obslog.L().Info("queue_match",
		zap.String("a", p.Identity), zap.String("b", best.Identity),
		zap.Int("rating_delta", delta), zap.Int64("stake", p.Stake))
	return &Match{A: p, B: best, RatingDelta: delta}, nil
}

// pickOpponent returns the compatible waiting participant with the
// smallest rating distance, ties broken by longest wait. Caller holds mu.
func (q *Queue) pickOpponent(ctx context.Context, p *Participant, recentP []string) *Participant {
	var best *Participant
	bestDelta := 0

	for _, w := range q.waiting {
		if w.TimeControl != p.TimeControl || w.Stake != p.Stake {
			continue
		}
		if p.Trust < q.cfg.TrustThreshold || w.Trust < q.cfg.TrustThreshold {
			continue
		}
		delta := p.Rating - w.Rating
		if delta < 0 {
			delta = -delta
		}
		radius := p.Radius
		if w.Radius > radius {
			radius = w.Radius
		}
		if delta > radius {
			continue
		}
		if contains(recentP, w.Identity) {
			continue
		}
		recentW, err := q.history.Recent(ctx, w.Identity)
		if err == nil && contains(recentW, p.Identity) {
			continue
		}
		if best == nil || delta < bestDelta ||
			(delta == bestDelta && w.JoinedAt.Before(best.JoinedAt)) {
			best = w
			bestDelta = delta
		}
	}
	return best
}

// Cancel removes whoever is queued on conn. Safe to call for connections
// that never searched or already matched.
func (q *Queue) Cancel(conn Conn) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, w := range q.waiting {
		if w.Conn == conn {
			q.remove(w)
			obslog.L().Info("queue_leave", zap.String("identity", w.Identity), zap.Int("waiting", len(q.waiting)))
			return true
		}
	}
	return false
}

// ExpandRadii widens the search window of everyone who has been waiting a
// full tick, up to the cap, and reports who grew so callers can notify.
func (q *Queue) ExpandRadii() []*Participant {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var grown []*Participant
	for _, w := range q.waiting {
		if w.Radius >= q.cfg.RadiusCap || now.Sub(w.grewAt) < q.cfg.Tick {
			continue
		}
		w.Radius += q.cfg.RadiusStep
		if w.Radius > q.cfg.RadiusCap {
			w.Radius = q.cfg.RadiusCap
		}
		w.grewAt = now
		grown = append(grown, w)
	}
	return grown
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

func (q *Queue) remove(target *Participant) {
	for i, w := range q.waiting {
		if w == target {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
