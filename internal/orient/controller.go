// Package orient holds the user toggle state: which side to suggest moves
// for and how the board is oriented on screen.
package orient

import (
	"sync"
	"sync/atomic"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
)

// Settings is an immutable snapshot. Epoch increases on every change so that
// consumers can tell a re-seed from a repeated read.
type Settings struct {
	Orientation     board.Orientation
	Side            nchess.Color
	AutoOrientation bool
	Epoch           uint64
	SideEpoch       uint64
}

type Controller struct {
	mu  sync.Mutex // serialises writers; readers go through cur
	cur atomic.Pointer[Settings]
}

func NewController(side nchess.Color, o board.Orientation, auto bool) *Controller {
	if side != nchess.Black {
		side = nchess.White
	}
	c := &Controller{}
	c.cur.Store(&Settings{Orientation: o, Side: side, AutoOrientation: auto, Epoch: 1, SideEpoch: 1})
	return c
}

func (c *Controller) Snapshot() Settings { return *c.cur.Load() }

func (c *Controller) update(fn func(*Settings) bool) Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.cur.Load()
	if !fn(&next) {
		return next
	}
	next.Epoch++
	c.cur.Store(&next)
	return next
}

func (c *Controller) ToggleSide() Settings {
	return c.update(func(s *Settings) bool {
		s.Side = s.Side.Other()
		s.SideEpoch++
		return true
	})
}

func (c *Controller) SetSide(side nchess.Color) Settings {
	return c.update(func(s *Settings) bool {
		if (side != nchess.White && side != nchess.Black) || s.Side == side {
			return false
		}
		s.Side = side
		s.SideEpoch++
		return true
	})
}

func (c *Controller) SetOrientation(o board.Orientation) Settings {
	return c.update(func(s *Settings) bool {
		if s.Orientation == o {
			return false
		}
		s.Orientation = o
		return true
	})
}

func (c *Controller) ToggleOrientation() Settings {
	return c.update(func(s *Settings) bool {
		s.Orientation = s.Orientation.Flip()
		return true
	})
}

func (c *Controller) SetAutoOrientation(on bool) Settings {
	return c.update(func(s *Settings) bool {
		if s.AutoOrientation == on {
			return false
		}
		s.AutoOrientation = on
		return true
	})
}
