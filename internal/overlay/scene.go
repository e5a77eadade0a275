package overlay

import (
	"image/color"
	"math"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
)

// PointF is a point in screen pixels.
type PointF struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ArrowShape is a shaft quad followed by a head triangle.
type ArrowShape struct {
	Shaft [4]PointF `json:"shaft"`
	Head  [3]PointF `json:"head"`
}

type Arrow struct {
	Rank   int         `json:"rank"`
	Move   string      `json:"move"`
	EvalCP int         `json:"eval_cp"`
	From   PointF      `json:"from"`
	To     PointF      `json:"to"`
	Shape  ArrowShape  `json:"shape"`
	Color  color.NRGBA `json:"color"`
}

// Scene is a frame resolved into screen geometry.
type Scene struct {
	Region      board.Region `json:"region"`
	Orientation string       `json:"orientation"`
	Generation  uint64       `json:"generation"`
	Depth       int          `json:"depth"`
	Final       bool         `json:"final"`
	Status      Status       `json:"status"`
	Arrows      []Arrow      `json:"arrows"`
}

type lineStyle struct {
	alpha uint8
	width float64
}

// Ranked lines fade and thin out; lines past the last style reuse it.
var lineStyles = []lineStyle{
	{alpha: 255, width: 1.0},
	{alpha: 160, width: 0.8},
	{alpha: 80, width: 0.6},
}

var arrowRGB = color.NRGBA{R: 0x2f, G: 0xb3, B: 0x4a}

func styleFor(rank int) lineStyle {
	if rank < len(lineStyles) {
		return lineStyles[rank]
	}
	return lineStyles[len(lineStyles)-1]
}

// SquareSize is the edge length of one square in pixels.
func SquareSize(region board.Region) (w, h float64) {
	return float64(region.Width) / 8, float64(region.Height) / 8
}

// SquareCenter maps a square to screen coordinates through the region and
// the board orientation.
func SquareCenter(region board.Region, o board.Orientation, sq nchess.Square) PointF {
	row, col := board.CellOf(o, sq)
	w, h := SquareSize(region)
	return PointF{
		X: float64(region.X) + (float64(col)+0.5)*w,
		Y: float64(region.Y) + (float64(row)+0.5)*h,
	}
}

// ArrowPolygon builds the arrow outline from start to end. scale thins the
// arrow relative to a full-weight one. ok is false for zero-length arrows.
func ArrowPolygon(start, end PointF, squareSize, scale float64) (ArrowShape, bool) {
	dx, dy := end.X-start.X, end.Y-start.Y
	length := math.Hypot(dx, dy)
	if length == 0 || squareSize <= 0 {
		return ArrowShape{}, false
	}
	dirX, dirY := dx/length, dy/length
	perpX, perpY := -dirY, dirX

	baseLength := length - squareSize*0.45
	if baseLength < squareSize*0.35 {
		baseLength = length * 0.6
	}
	halfWidth := squareSize * 0.18 * scale
	headWidth := squareSize * 0.32 * scale

	baseX, baseY := start.X+dirX*baseLength, start.Y+dirY*baseLength

	var s ArrowShape
	s.Shaft = [4]PointF{
		{X: start.X - perpX*halfWidth, Y: start.Y - perpY*halfWidth},
		{X: start.X + perpX*halfWidth, Y: start.Y + perpY*halfWidth},
		{X: baseX + perpX*halfWidth, Y: baseY + perpY*halfWidth},
		{X: baseX - perpX*halfWidth, Y: baseY - perpY*halfWidth},
	}
	s.Head = [3]PointF{
		end,
		{X: baseX - perpX*headWidth, Y: baseY - perpY*headWidth},
		{X: baseX + perpX*headWidth, Y: baseY + perpY*headWidth},
	}
	return s, true
}

// BuildScene resolves a frame. Lines are drawn only when they answer the
// frame's own generation.
func BuildScene(f Frame) Scene {
	sc := Scene{
		Region:      f.Region,
		Orientation: f.Orientation.String(),
		Generation:  f.Generation,
		Status:      f.Status,
	}
	if f.Lines == nil || f.Lines.Generation != f.Generation || !f.Region.Valid() {
		return sc
	}
	sc.Depth, sc.Final = f.Lines.Depth, f.Lines.Final
	w, h := SquareSize(f.Region)
	size := math.Min(w, h)
	for i, s := range f.Lines.Suggestions {
		from := SquareCenter(f.Region, f.Orientation, s.Move.From)
		to := SquareCenter(f.Region, f.Orientation, s.Move.To)
		st := styleFor(i)
		shape, ok := ArrowPolygon(from, to, size, st.width)
		if !ok {
			continue
		}
		clr := arrowRGB
		clr.A = st.alpha
		sc.Arrows = append(sc.Arrows, Arrow{
			Rank:   i + 1,
			Move:   s.Move.String(),
			EvalCP: s.EvalCP,
			From:   from,
			To:     to,
			Shape:  shape,
			Color:  clr,
		})
	}
	return sc
}
