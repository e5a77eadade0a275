package vision

import (
	"context"
	"image"
	"math"
	"sort"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
)

const (
	ClassBoard = 0

	DefaultThreshold    = 0.35
	defaultIoUThreshold = 0.45
	// board detections smaller than this share of the image are ignored
	minBoardShare = 0.2
)

// Detection is one object-detector box in pixel coordinates of the image it
// was produced from. X and Y are the box center.
type Detection struct {
	ClassID    int     `json:"class_id"`
	Confidence float32 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}

func (d Detection) bounds() (x1, y1, x2, y2 float64) {
	return d.X - d.W/2, d.Y - d.H/2, d.X + d.W/2, d.Y + d.H/2
}

// Detector locates boards and pieces in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// classPieces maps detector class ids 1..12 to pieces: white K Q R B N P,
// then black in the same order.
var classPieces = [...]nchess.Piece{
	nchess.NoPiece,
	nchess.WhiteKing, nchess.WhiteQueen, nchess.WhiteRook, nchess.WhiteBishop, nchess.WhiteKnight, nchess.WhitePawn,
	nchess.BlackKing, nchess.BlackQueen, nchess.BlackRook, nchess.BlackBishop, nchess.BlackKnight, nchess.BlackPawn,
}

func PieceForClass(id int) (nchess.Piece, bool) {
	if id <= 0 || id >= len(classPieces) {
		return nchess.NoPiece, false
	}
	return classPieces[id], true
}

// DetectionClassifier adapts a Detector to the Classifier contract.
type DetectionClassifier struct {
	det       Detector
	threshold float32
	iou       float64
}

func NewDetectionClassifier(det Detector, threshold float32) *DetectionClassifier {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &DetectionClassifier{det: det, threshold: threshold, iou: defaultIoUThreshold}
}

func (c *DetectionClassifier) Classify(ctx context.Context, img image.Image, geo Geometry) (Cells, error) {
	dets, err := c.det.Detect(ctx, img)
	if err != nil {
		return Cells{}, err
	}
	return c.cellsFrom(dets, geo), nil
}

func (c *DetectionClassifier) cellsFrom(dets []Detection, geo Geometry) Cells {
	var cells Cells
	for i := range cells {
		cells[i] = board.Observation{Piece: nchess.NoPiece, Confidence: 1}
	}

	area := boardArea(dets, geo)
	local := NewGeometry(image.Pt(int(area.w), int(area.h)), geo.Orientation)
	local.CellW, local.CellH = area.w/8, area.h/8

	// detections below the threshold are dropped, leaving their cells empty
	var strong []Detection
	for _, d := range dets {
		if _, ok := PieceForClass(d.ClassID); !ok {
			continue
		}
		if d.Confidence >= c.threshold {
			strong = append(strong, d)
		}
	}

	kept := nms(strong, c.iou)
	var placed [64]bool
	for _, d := range kept {
		row, col, ok := local.CellAt(d.X-area.x, d.Y-area.y)
		if !ok {
			continue
		}
		idx := row*8 + col
		// kept is sorted by confidence, so the first hit per cell wins
		if placed[idx] {
			continue
		}
		pc, _ := PieceForClass(d.ClassID)
		cells[idx] = board.Observation{Piece: pc, Confidence: d.Confidence}
		placed[idx] = true
	}
	fixDuplicateKings(&cells, geo.Orientation)
	return cells
}

// fixDuplicateKings recolors one white king when the detector reports two
// white kings and no black one: the king nearest the black side becomes black.
func fixDuplicateKings(cells *Cells, o board.Orientation) {
	var white []int
	for i, obs := range cells {
		switch obs.Piece {
		case nchess.BlackKing:
			return
		case nchess.WhiteKing:
			white = append(white, i)
		}
	}
	if len(white) < 2 {
		return
	}
	target := white[0]
	for _, idx := range white[1:] {
		if o == board.BlackBottom {
			if idx/8 > target/8 {
				target = idx
			}
		} else if idx/8 < target/8 {
			target = idx
		}
	}
	cells[target].Piece = nchess.BlackKing
}

type area struct{ x, y, w, h float64 }

// boardArea is the highest-confidence board box, or the whole image when the
// detector did not report a usable one.
func boardArea(dets []Detection, geo Geometry) area {
	full := area{w: float64(geo.Size.X), h: float64(geo.Size.Y)}
	best := -1
	for i, d := range dets {
		if d.ClassID != ClassBoard {
			continue
		}
		if d.W < full.w*minBoardShare || d.H < full.h*minBoardShare {
			continue
		}
		if best < 0 || d.Confidence > dets[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return full
	}
	x1, y1, x2, y2 := dets[best].bounds()
	return area{x: x1, y: y1, w: x2 - x1, h: y2 - y1}
}

// nms performs class-agnostic non-maximum suppression. The result is sorted by
// descending confidence.
func nms(dets []Detection, threshold float64) []Detection {
	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	keep := make([]Detection, 0, len(sorted))
	active := make([]bool, len(sorted))
	for i := range active {
		active[i] = true
	}
	for i := range sorted {
		if !active[i] {
			continue
		}
		keep = append(keep, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if active[j] && iou(sorted[i], sorted[j]) > threshold {
				active[j] = false
			}
		}
	}
	return keep
}

func iou(a, b Detection) float64 {
	ax1, ay1, ax2, ay2 := a.bounds()
	bx1, by1, bx2, by2 := b.bounds()
	ix1, iy1 := math.Max(ax1, bx1), math.Max(ay1, by1)
	ix2, iy2 := math.Min(ax2, bx2), math.Min(ay2, by2)
	if ix2 < ix1 || iy2 < iy1 {
		return 0
	}
	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.W*a.H + b.W*b.H - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// InferOrientation guesses which side is at the bottom from pawn positions:
// white pawns lower on screen than black pawns means WhiteBottom. ok is false
// when either color has no pawns.
func InferOrientation(cells Cells) (o board.Orientation, ok bool) {
	var wSum, bSum float64
	var wN, bN int
	for i, obs := range cells {
		row := float64(i / 8)
		switch obs.Piece {
		case nchess.WhitePawn:
			wSum += row
			wN++
		case nchess.BlackPawn:
			bSum += row
			bN++
		}
	}
	if wN == 0 || bN == 0 {
		return board.WhiteBottom, false
	}
	if wSum/float64(wN) >= bSum/float64(bN) {
		return board.WhiteBottom, true
	}
	return board.BlackBottom, true
}
