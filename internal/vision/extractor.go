// Package vision turns captured samples into 64-square piece grids.
package vision

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/capture"
	"github.com/park285/chess-overlay/internal/fault"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"
)

// DefaultInputSize is the square model input resolution.
const DefaultInputSize = 640

// Geometry describes the image handed to a classifier: its size and the
// fixed 8x8 cell layout. Orientation is informational; cells are always
// reported in visual order.
type Geometry struct {
	Size        image.Point
	CellW       float64
	CellH       float64
	Orientation board.Orientation
}

func NewGeometry(size image.Point, o board.Orientation) Geometry {
	return Geometry{
		Size:        size,
		CellW:       float64(size.X) / 8,
		CellH:       float64(size.Y) / 8,
		Orientation: o,
	}
}

// CellAt returns the visual cell containing the point, if any.
func (g Geometry) CellAt(x, y float64) (row, col int, ok bool) {
	if x < 0 || y < 0 || g.CellW <= 0 || g.CellH <= 0 {
		return 0, 0, false
	}
	col, row = int(x/g.CellW), int(y/g.CellH)
	if col > 7 || row > 7 {
		return 0, 0, false
	}
	return row, col, true
}

// Cells holds one observation per visual cell in row-major order, top-left
// first.
type Cells [64]board.Observation

func (c Cells) At(row, col int) board.Observation { return c[row*8+col] }

// Classifier labels all 64 cells of an image in a single call.
type Classifier interface {
	Classify(ctx context.Context, img image.Image, geo Geometry) (Cells, error)
}

type Extractor struct {
	cls       Classifier
	inputSize int
	log       *zap.Logger
}

// NewExtractor scales samples to inputSize×inputSize before classification.
// A non-positive size keeps the sample at its captured resolution.
func NewExtractor(cls Classifier, inputSize int, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cls: cls, inputSize: inputSize, log: logger.Named("vision")}
}

var errEmptySample = errors.New("sample has no image")

// Classify runs the classifier on the sample and returns cells in visual order.
func (e *Extractor) Classify(ctx context.Context, sample capture.RawSample, o board.Orientation) (Cells, error) {
	if sample.Image == nil || sample.Image.Bounds().Empty() {
		return Cells{}, &fault.InferenceError{Err: errEmptySample}
	}
	img := e.scale(sample.Image)
	cells, err := e.cls.Classify(ctx, img, NewGeometry(img.Bounds().Size(), o))
	if err != nil {
		var ie *fault.InferenceError
		if errors.As(err, &ie) {
			return Cells{}, err
		}
		return Cells{}, &fault.InferenceError{Err: fmt.Errorf("classify sample %d: %w", sample.Seq, err)}
	}
	return cells, nil
}

// Extract classifies the sample and maps it onto squares for the orientation.
func (e *Extractor) Extract(ctx context.Context, sample capture.RawSample, o board.Orientation) (board.Grid, error) {
	cells, err := e.Classify(ctx, sample, o)
	if err != nil {
		return board.Grid{}, err
	}
	return MapCells(cells, o), nil
}

// MapCells assigns visual cells to squares. With WhiteBottom the top row is
// rank 8 and the left column file a; BlackBottom mirrors both axes.
func MapCells(cells Cells, o board.Orientation) board.Grid {
	var g board.Grid
	for row := range 8 {
		for col := range 8 {
			g[board.SquareAt(o, row, col)] = cells.At(row, col)
		}
	}
	return g
}

func (e *Extractor) scale(src image.Image) image.Image {
	size := e.inputSize
	b := src.Bounds()
	if size <= 0 || (b.Dx() == size && b.Dy() == size && b.Min == image.Point{}) {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}
