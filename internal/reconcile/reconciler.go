// Package reconcile turns noisy per-frame grids into debounced board states.
package reconcile

import (
	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/park285/chess-overlay/internal/orient"
	"go.uber.org/zap"
)

const (
	defaultWindow        = 3
	defaultMinConfidence = 0.35
	defaultMaxUnsettled  = 30
)

type Config struct {
	// Window is K, the number of consecutive identical frames needed to
	// accept a new placement.
	Window int
	// MinConfidence rejects frames whose weakest observation is below it.
	MinConfidence float32
	// MaxUnsettled bounds how many frames may pass without the window
	// agreeing before an AmbiguousStateError is reported.
	MaxUnsettled int
}

func DefaultConfig() Config {
	return Config{Window: defaultWindow, MinConfidence: defaultMinConfidence, MaxUnsettled: defaultMaxUnsettled}
}

func (c Config) withDefaults() Config {
	if c.Window < 2 {
		c.Window = defaultWindow
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		c.MinConfidence = defaultMinConfidence
	}
	if c.MaxUnsettled <= 0 {
		c.MaxUnsettled = defaultMaxUnsettled
	}
	return c
}

type Stats struct {
	Frames    uint64
	Rejected  uint64
	Events    uint64
	Ambiguous uint64
}

// Reconciler is owned by a single goroutine; it is not safe for concurrent use.
type Reconciler struct {
	cfg   Config
	clock *board.Clock
	log   *zap.Logger

	last   board.Placement
	streak int

	current       *board.State
	seedSideEpoch uint64
	reseed        bool
	unsettled     int

	stats Stats
}

func New(cfg Config, clock *board.Clock, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = &board.Clock{}
	}
	return &Reconciler{cfg: cfg.withDefaults(), clock: clock, log: logger.Named("reconcile")}
}

// Current returns the confirmed state, if any.
func (r *Reconciler) Current() (board.State, bool) {
	if r.current == nil {
		return board.State{}, false
	}
	return *r.current, true
}

func (r *Reconciler) Stats() Stats { return r.stats }

// Reset forgets the window and the confirmed state. The generation clock is
// shared and is left alone.
func (r *Reconciler) Reset() {
	r.last = board.Placement{}
	r.streak = 0
	r.current = nil
	r.seedSideEpoch = 0
	r.reseed = false
	r.unsettled = 0
}

// Observe feeds one frame. It returns a new state only on a confirmed change.
// An AmbiguousStateError means "no change" and is informational.
func (r *Reconciler) Observe(grid board.Grid, s orient.Settings) (board.State, bool, error) {
	r.stats.Frames++
	if r.current != nil && s.SideEpoch != r.seedSideEpoch {
		r.reseed = true
	}

	placement := grid.Placement()
	if low := grid.MinConfidence(); low < r.cfg.MinConfidence {
		r.log.Debug("frame rejected", zap.String("reason", "low confidence"), zap.Float32("confidence", low))
		return r.reject()
	}
	if err := placement.Validate(); err != nil {
		r.log.Debug("frame rejected", zap.String("reason", "invalid placement"), zap.Error(err))
		return r.reject()
	}

	if r.streak > 0 && placement == r.last {
		r.streak++
	} else {
		r.last = placement
		r.streak = 1
	}

	need := r.cfg.Window
	if r.current != nil && ambiguous(r.current.Placement, placement) {
		need = 2 * r.cfg.Window
	}

	matchesCurrent := r.current != nil && placement == r.current.Placement
	if r.streak < need {
		if matchesCurrent {
			r.unsettled = 0
			return board.State{}, false, nil
		}
		return r.unsettle()
	}

	r.unsettled = 0
	if matchesCurrent && !r.reseed {
		return board.State{}, false, nil
	}
	return r.accept(placement, s), true, nil
}

func (r *Reconciler) reject() (board.State, bool, error) {
	r.stats.Rejected++
	r.streak = 0
	return r.unsettle()
}

func (r *Reconciler) unsettle() (board.State, bool, error) {
	r.unsettled++
	if r.unsettled < r.cfg.MaxUnsettled {
		return board.State{}, false, nil
	}
	frames := r.unsettled
	r.unsettled = 0
	r.stats.Ambiguous++
	return board.State{}, false, &fault.AmbiguousStateError{Frames: frames}
}

func (r *Reconciler) accept(p board.Placement, s orient.Settings) board.State {
	next := board.State{Placement: p, Generation: r.clock.Advance()}
	switch {
	case r.current == nil:
		next.SideToMove = s.Side
		next.Rights = board.HomeRights(p)
	case r.reseed:
		next.SideToMove = s.Side
		next.Rights = r.current.Rights.Restrict(p)
	default:
		next.SideToMove = r.current.SideToMove.Other()
		next.Rights = r.current.Rights.Restrict(p)
	}
	if next.SideToMove != nchess.Black {
		next.SideToMove = nchess.White
	}
	if r.current == nil || r.reseed {
		r.seedSideEpoch = s.SideEpoch
		r.reseed = false
	}

	r.current = &next
	r.stats.Events++
	r.log.Info("board state confirmed",
		zap.Uint64("generation", next.Generation),
		zap.String("fen", next.FEN()))
	return next
}

// ambiguous reports a transition that no single legal move produces: a
// square whose piece is replaced by a different piece of the same color.
func ambiguous(from, to board.Placement) bool {
	for _, sq := range from.Diff(to) {
		a, b := from.At(sq), to.At(sq)
		if a == nchess.NoPiece || b == nchess.NoPiece {
			continue
		}
		if a.Color() == b.Color() {
			return true
		}
	}
	return false
}
