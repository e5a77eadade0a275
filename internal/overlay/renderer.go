// Package overlay owns the current overlay frame and draws it onto surfaces
// at its own pace.
package overlay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	"go.uber.org/zap"
)

const defaultDrawRate = 30

type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	switch string(b) {
	case "warn":
		*l = LevelWarn
	case "error":
		*l = LevelError
	default:
		*l = LevelInfo
	}
	return nil
}

// Status is the one-line pipeline state shown next to the board.
type Status struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// Frame is everything needed to draw the overlay. Frames are immutable once
// stored; every change installs a new value.
type Frame struct {
	Region      board.Region
	Orientation board.Orientation
	Generation  uint64
	Lines       *board.MoveLine
	Status      Status
	Version     uint64
}

// Surface is a drawing target.
type Surface interface {
	Draw(ctx context.Context, scene Scene) error
}

type Renderer struct {
	cur     atomic.Pointer[Frame]
	version atomic.Uint64
	changed chan struct{}
	period  time.Duration
	log     *zap.Logger
}

func NewRenderer(rate float64, logger *zap.Logger) *Renderer {
	if rate <= 0 {
		rate = defaultDrawRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Renderer{
		changed: make(chan struct{}, 1),
		period:  time.Duration(float64(time.Second) / rate),
		log:     logger.Named("overlay"),
	}
	r.cur.Store(&Frame{})
	return r
}

// Current returns the frame that the next draw will show.
func (r *Renderer) Current() Frame { return *r.cur.Load() }

// Update replaces the current frame.
func (r *Renderer) Update(f Frame) {
	r.modify(func(cur *Frame) bool {
		*cur = f
		return true
	})
}

// Reset starts a new generation: geometry replaced, arrows cleared.
func (r *Renderer) Reset(region board.Region, o board.Orientation, generation uint64) {
	r.modify(func(f *Frame) bool {
		f.Region, f.Orientation, f.Generation, f.Lines = region, o, generation, nil
		return true
	})
}

// ApplyLines installs lines only while the frame still shows their
// generation. A partial result never replaces a final one.
func (r *Renderer) ApplyLines(line board.MoveLine) bool {
	return r.modify(func(f *Frame) bool {
		if line.Generation == 0 || f.Generation != line.Generation {
			return false
		}
		if f.Lines != nil && f.Lines.Final && !line.Final {
			return false
		}
		l := line
		f.Lines = &l
		return true
	})
}

func (r *Renderer) ClearLines() {
	r.modify(func(f *Frame) bool {
		if f.Lines == nil {
			return false
		}
		f.Lines = nil
		return true
	})
}

func (r *Renderer) SetStatus(s Status) {
	r.modify(func(f *Frame) bool {
		if f.Status == s {
			return false
		}
		f.Status = s
		return true
	})
}

// modify applies fn to a copy of the current frame and installs it with a
// compare-and-swap, retrying when another writer got there first.
func (r *Renderer) modify(fn func(*Frame) bool) bool {
	for {
		old := r.cur.Load()
		next := *old
		if !fn(&next) {
			return false
		}
		next.Version = r.version.Add(1)
		if r.cur.CompareAndSwap(old, &next) {
			select {
			case r.changed <- struct{}{}:
			default:
			}
			return true
		}
	}
}

// Run draws the latest frame whenever it changed, at most once per period.
// Producers never wait for it.
func (r *Renderer) Run(ctx context.Context, surface Surface) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	var drawn uint64
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f := r.cur.Load()
		for !first && f.Version == drawn {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.changed:
			}
			f = r.cur.Load()
		}
		if err := surface.Draw(ctx, BuildScene(*f)); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			r.log.Warn("draw failed", zap.Uint64("generation", f.Generation), zap.Error(err))
		}
		drawn, first = f.Version, false
	}
}
