package board

import (
	"fmt"
	"image"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Orientation describes which side of the board is drawn at the bottom of the
// captured region.
type Orientation uint8

const (
	WhiteBottom Orientation = iota
	BlackBottom
)

func (o Orientation) String() string {
	if o == BlackBottom {
		return "black-bottom"
	}
	return "white-bottom"
}

func (o Orientation) Flip() Orientation {
	if o == BlackBottom {
		return WhiteBottom
	}
	return BlackBottom
}

func ParseOrientation(s string) (Orientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "white", "white-bottom", "w":
		return WhiteBottom, nil
	case "black", "black-bottom", "b":
		return BlackBottom, nil
	default:
		return WhiteBottom, fmt.Errorf("unknown orientation %q", s)
	}
}

// ParseSide accepts white/black and their one-letter forms.
func ParseSide(s string) (nchess.Color, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "white", "w":
		return nchess.White, nil
	case "black", "b":
		return nchess.Black, nil
	default:
		return nchess.NoColor, fmt.Errorf("unknown side %q", s)
	}
}

func SideName(c nchess.Color) string {
	if c == nchess.Black {
		return "black"
	}
	return "white"
}

// Region is an axis-aligned rectangle in screen coordinates.
type Region struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (r Region) Valid() bool { return r.Width >= 8 && r.Height >= 8 }

func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Observation is the classification of a single square for one frame.
type Observation struct {
	Piece      nchess.Piece
	Confidence float32
}

// Grid holds one observation per square, indexed by nchess.Square (A1 = 0).
type Grid [64]Observation

// Placement returns the piece configuration of the grid.
func (g Grid) Placement() Placement {
	var p Placement
	for i, obs := range g {
		p[i] = obs.Piece
	}
	return p
}

// MinConfidence returns the lowest confidence among the 64 observations.
func (g Grid) MinConfidence() float32 {
	low := float32(1)
	for _, obs := range g {
		if obs.Confidence < low {
			low = obs.Confidence
		}
	}
	return low
}

// Placement is the logical 64-square piece configuration.
type Placement [64]nchess.Piece

func (p Placement) At(sq nchess.Square) nchess.Piece { return p[sq] }

func (p Placement) Board() *nchess.Board {
	m := make(map[nchess.Square]nchess.Piece, 32)
	for i, pc := range p {
		if pc != nchess.NoPiece {
			m[nchess.Square(i)] = pc
		}
	}
	return nchess.NewBoard(m)
}

// FEN returns the placement field of a FEN record.
func (p Placement) FEN() string { return p.Board().String() }

func (p Placement) Count(pc nchess.Piece) int {
	n := 0
	for _, v := range p {
		if v == pc {
			n++
		}
	}
	return n
}

// Validate rejects placements no legal game can reach.
func (p Placement) Validate() error {
	if n := p.Count(nchess.WhiteKing); n != 1 {
		return fmt.Errorf("white king count %d", n)
	}
	if n := p.Count(nchess.BlackKing); n != 1 {
		return fmt.Errorf("black king count %d", n)
	}
	var white, black int
	for i, pc := range p {
		if pc == nchess.NoPiece {
			continue
		}
		if pc.Type() == nchess.Pawn {
			rank := nchess.Square(i).Rank()
			if rank == nchess.Rank1 || rank == nchess.Rank8 {
				return fmt.Errorf("pawn on back rank %s", nchess.Square(i))
			}
		}
		if pc.Color() == nchess.White {
			white++
		} else {
			black++
		}
	}
	if white > 16 || black > 16 {
		return fmt.Errorf("too many pieces white=%d black=%d", white, black)
	}
	return nil
}

// Diff lists the squares whose contents differ between two placements.
func (p Placement) Diff(other Placement) []nchess.Square {
	var out []nchess.Square
	for i := range p {
		if p[i] != other[i] {
			out = append(out, nchess.Square(i))
		}
	}
	return out
}

// SquareAt maps a visual cell (row 0 at the top, column 0 at the left) to the
// square drawn there.
func SquareAt(o Orientation, row, col int) nchess.Square {
	if o == BlackBottom {
		return nchess.NewSquare(nchess.File(7-col), nchess.Rank(row))
	}
	return nchess.NewSquare(nchess.File(col), nchess.Rank(7-row))
}

// CellOf is the inverse of SquareAt.
func CellOf(o Orientation, sq nchess.Square) (row, col int) {
	f, r := int(sq.File()), int(sq.Rank())
	if o == BlackBottom {
		return r, 7 - f
	}
	return 7 - r, f
}
