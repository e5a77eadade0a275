package vision

import (
	"context"
	"errors"
	"image"
	"net"
	"sync/atomic"
	"testing"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/capture"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/park285/chess-overlay/internal/orient"
	"github.com/park285/chess-overlay/internal/reconcile"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type stubClassifier struct {
	cells Cells
	err   error
	geo   Geometry
}

func (s *stubClassifier) Classify(_ context.Context, _ image.Image, geo Geometry) (Cells, error) {
	s.geo = geo
	return s.cells, s.err
}

func emptyCells() Cells {
	var c Cells
	for i := range c {
		c[i] = board.Observation{Piece: nchess.NoPiece, Confidence: 1}
	}
	return c
}

func sample(size int) capture.RawSample {
	return capture.RawSample{Image: image.NewRGBA(image.Rect(0, 0, size, size)), Seq: 1}
}

func TestExtractMapsVisualCellsBothOrientations(t *testing.T) {
	cells := emptyCells()
	cells[0] = board.Observation{Piece: nchess.BlackRook, Confidence: 0.9}   // top-left
	cells[63] = board.Observation{Piece: nchess.WhiteKing, Confidence: 0.8} // bottom-right
	stub := &stubClassifier{cells: cells}
	ex := NewExtractor(stub, 64, nil)

	g, err := ex.Extract(context.Background(), sample(200), board.WhiteBottom)
	require.NoError(t, err)
	require.Equal(t, nchess.BlackRook, g[nchess.A8].Piece)
	require.Equal(t, nchess.WhiteKing, g[nchess.H1].Piece)
	require.Equal(t, image.Pt(64, 64), stub.geo.Size)
	require.InDelta(t, 8.0, stub.geo.CellW, 1e-9)

	g, err = ex.Extract(context.Background(), sample(200), board.BlackBottom)
	require.NoError(t, err)
	require.Equal(t, nchess.BlackRook, g[nchess.H1].Piece)
	require.Equal(t, nchess.WhiteKing, g[nchess.A8].Piece)
}

func TestExtractWrapsClassifierFailure(t *testing.T) {
	ex := NewExtractor(&stubClassifier{err: errors.New("model crashed")}, 0, nil)
	_, err := ex.Extract(context.Background(), sample(64), board.WhiteBottom)
	require.True(t, fault.IsInference(err))

	_, err = ex.Extract(context.Background(), capture.RawSample{}, board.WhiteBottom)
	require.True(t, fault.IsInference(err))
}

type stubDetector struct {
	dets []Detection
}

func (s stubDetector) Detect(context.Context, image.Image) ([]Detection, error) { return s.dets, nil }

// center of visual cell (row, col) on an 80px image
func at(row, col int) (float64, float64) { return float64(col)*10 + 5, float64(row)*10 + 5 }

func det(class int, conf float32, row, col int) Detection {
	x, y := at(row, col)
	return Detection{ClassID: class, Confidence: conf, X: x, Y: y, W: 9, H: 9}
}

func TestDetectionClassifierSuppressesOverlaps(t *testing.T) {
	dets := []Detection{
		det(1, 0.9, 7, 4),
		det(2, 0.6, 7, 4), // overlapping weaker box on the same cell
		det(7, 0.8, 0, 4),
		det(12, 0.2, 3, 3), // below threshold
	}
	c := NewDetectionClassifier(stubDetector{dets: dets}, 0.5)
	cells, err := c.Classify(context.Background(), image.NewRGBA(image.Rect(0, 0, 80, 80)), NewGeometry(image.Pt(80, 80), board.WhiteBottom))
	require.NoError(t, err)

	require.Equal(t, nchess.WhiteKing, cells.At(7, 4).Piece)
	require.Equal(t, nchess.BlackKing, cells.At(0, 4).Piece)
	require.Equal(t, nchess.NoPiece, cells.At(3, 3).Piece)
	require.EqualValues(t, 1, cells.At(3, 3).Confidence)
	require.EqualValues(t, 1, cells.At(5, 5).Confidence)
}

func startDetections(conf float32) []Detection {
	back := []int{3, 5, 4, 2, 1, 4, 5, 3} // R N B Q K B N R
	var dets []Detection
	for col := range 8 {
		dets = append(dets,
			det(back[col]+6, conf, 0, col),
			det(12, conf, 1, col),
			det(6, conf, 6, col),
			det(back[col], conf, 7, col),
		)
	}
	return dets
}

func TestWeakButKeptDetectionConfirmsPosition(t *testing.T) {
	dets := startDetections(0.9)
	for i, d := range dets {
		if d.ClassID == 4 && d.X < 30 { // c1 bishop
			dets[i].Confidence = 0.45
		}
	}
	cls := NewDetectionClassifier(stubDetector{dets: dets}, DefaultThreshold)
	rec := reconcile.New(reconcile.DefaultConfig(), &board.Clock{}, nil)
	set := orient.NewController(nchess.White, board.WhiteBottom, false).Snapshot()
	geo := NewGeometry(image.Pt(80, 80), board.WhiteBottom)

	var states []board.State
	for range 60 {
		cells, err := cls.Classify(context.Background(), nil, geo)
		require.NoError(t, err)
		st, changed, _ := rec.Observe(MapCells(cells, board.WhiteBottom), set)
		if changed {
			states = append(states, st)
		}
	}
	require.Len(t, states, 1)
	require.Equal(t, nchess.WhiteBishop, states[0].Placement.At(nchess.C1))
	require.Equal(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR", states[0].Placement.FEN())
}

func TestDetectionClassifierUsesBoardBox(t *testing.T) {
	// Board occupies the right half-ish of a 160x80 image.
	dets := []Detection{
		{ClassID: ClassBoard, Confidence: 0.95, X: 120, Y: 40, W: 80, H: 80},
		{ClassID: 6, Confidence: 0.9, X: 85, Y: 65, W: 9, H: 9},
	}
	c := NewDetectionClassifier(stubDetector{dets: dets}, 0.5)
	cells, err := c.Classify(context.Background(), nil, NewGeometry(image.Pt(160, 80), board.WhiteBottom))
	require.NoError(t, err)
	require.Equal(t, nchess.WhitePawn, cells.At(6, 0).Piece)
}

func TestDuplicateKingHeuristic(t *testing.T) {
	dets := []Detection{det(1, 0.9, 7, 4), det(1, 0.7, 0, 4)}
	c := NewDetectionClassifier(stubDetector{dets: dets}, 0.5)

	cells, err := c.Classify(context.Background(), nil, NewGeometry(image.Pt(80, 80), board.WhiteBottom))
	require.NoError(t, err)
	require.Equal(t, nchess.BlackKing, cells.At(0, 4).Piece)
	require.Equal(t, nchess.WhiteKing, cells.At(7, 4).Piece)

	cells, err = c.Classify(context.Background(), nil, NewGeometry(image.Pt(80, 80), board.BlackBottom))
	require.NoError(t, err)
	require.Equal(t, nchess.WhiteKing, cells.At(0, 4).Piece)
	require.Equal(t, nchess.BlackKing, cells.At(7, 4).Piece)
}

func TestInferOrientation(t *testing.T) {
	cells := emptyCells()
	cells[6*8+1].Piece = nchess.WhitePawn
	cells[1*8+1].Piece = nchess.BlackPawn
	o, ok := InferOrientation(cells)
	require.True(t, ok)
	require.Equal(t, board.WhiteBottom, o)

	cells[6*8+1].Piece = nchess.BlackPawn
	cells[1*8+1].Piece = nchess.WhitePawn
	o, ok = InferOrientation(cells)
	require.True(t, ok)
	require.Equal(t, board.BlackBottom, o)

	_, ok = InferOrientation(emptyCells())
	require.False(t, ok)
}

func TestIoU(t *testing.T) {
	a := Detection{X: 5, Y: 5, W: 10, H: 10}
	require.InDelta(t, 1.0, iou(a, a), 1e-9)
	require.Zero(t, iou(a, Detection{X: 50, Y: 50, W: 10, H: 10}))
	require.InDelta(t, 50.0/150.0, iou(a, Detection{X: 10, Y: 5, W: 10, H: 10}), 1e-9)
}

func newTestDetector(t *testing.T, handler fasthttp.RequestHandler) *HTTPDetector {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = fasthttp.Serve(ln, handler) }()

	d := NewHTTPDetector("http://vision.local")
	d.http.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	return d
}

func TestHTTPDetectorDecodesDetections(t *testing.T) {
	d := newTestDetector(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/detect" || string(ctx.Request.Header.ContentType()) != "image/png" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"detections":[{"class_id":1,"confidence":0.9,"x":5,"y":5,"w":9,"h":9}]}`)
	})
	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, 1, dets[0].ClassID)
	require.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
}

func TestHTTPDetectorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	d := newTestDetector(t, func(ctx *fasthttp.RequestCtx) {
		if calls.Add(1) == 1 {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"detections":[]}`)
	})
	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.Empty(t, dets)
	require.EqualValues(t, 2, calls.Load())
}

func TestHTTPDetectorDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	d := newTestDetector(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		ctx.SetStatusCode(fasthttp.StatusUnprocessableEntity)
	})
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())
}
