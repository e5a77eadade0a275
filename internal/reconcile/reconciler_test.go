package reconcile

import (
	"errors"
	"testing"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/board/boardtest"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/park285/chess-overlay/internal/orient"
	"github.com/stretchr/testify/require"
)

const (
	startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"
	e4FEN    = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR"
	e5FEN    = "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR"
)

func gridOf(t *testing.T, fen string, conf float32) board.Grid {
	t.Helper()
	p, err := boardtest.Placement(fen)
	require.NoError(t, err)
	var g board.Grid
	for i, pc := range p {
		g[i] = board.Observation{Piece: pc, Confidence: conf}
	}
	return g
}

func whiteSettings() orient.Settings {
	return orient.Settings{Side: nchess.White, Epoch: 1, SideEpoch: 1}
}

type feeder struct {
	t      *testing.T
	r      *Reconciler
	events []board.State
}

func (f *feeder) feed(g board.Grid, s orient.Settings, n int) {
	f.t.Helper()
	for range n {
		st, ok, err := f.r.Observe(g, s)
		require.NoError(f.t, err)
		if ok {
			f.events = append(f.events, st)
		}
	}
}

func TestDebounceScenario(t *testing.T) {
	clock := &board.Clock{}
	f := &feeder{t: t, r: New(Config{Window: 3}, clock, nil)}
	a := gridOf(t, startFEN, 0.9)
	b := gridOf(t, e4FEN, 0.9)
	s := whiteSettings()

	f.feed(a, s, 3)
	require.Len(t, f.events, 1)
	require.EqualValues(t, 1, f.events[0].Generation)
	require.Equal(t, a.Placement(), f.events[0].Placement)

	f.feed(b, s, 1)
	f.feed(a, s, 3)
	require.Len(t, f.events, 1, "single noisy frame must not produce an event")

	f.feed(b, s, 3)
	require.Len(t, f.events, 2)
	require.EqualValues(t, 2, f.events[1].Generation)
	require.Equal(t, b.Placement(), f.events[1].Placement)
	require.Equal(t, nchess.Black, f.events[1].SideToMove)
	require.EqualValues(t, 2, clock.Current())
}

func TestIdenticalFramesEmitOnce(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 3}, nil, nil)}
	f.feed(gridOf(t, startFEN, 0.9), whiteSettings(), 20)
	require.Len(t, f.events, 1)
}

func TestWindowMustBeConsecutive(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 3}, nil, nil)}
	a := gridOf(t, startFEN, 0.9)
	b := gridOf(t, e4FEN, 0.9)
	s := whiteSettings()

	f.feed(a, s, 2)
	f.feed(b, s, 1)
	f.feed(a, s, 2)
	require.Empty(t, f.events)
	f.feed(a, s, 1)
	require.Len(t, f.events, 1)
}

func TestLowConfidenceFrameBreaksStreak(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 3, MinConfidence: 0.6}, nil, nil)}
	good := gridOf(t, startFEN, 0.9)
	weak := gridOf(t, startFEN, 0.9)
	weak[nchess.E2].Confidence = 0.2
	s := whiteSettings()

	f.feed(good, s, 2)
	f.feed(weak, s, 1)
	f.feed(good, s, 2)
	require.Empty(t, f.events)
	f.feed(good, s, 1)
	require.Len(t, f.events, 1)
	require.EqualValues(t, 1, f.r.Stats().Rejected)
}

func TestInvalidPlacementRejected(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 3}, nil, nil)}
	noKing := gridOf(t, "rnbq1bnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR", 0.9)
	f.feed(noKing, whiteSettings(), 10)
	require.Empty(t, f.events)
	require.EqualValues(t, 10, f.r.Stats().Rejected)
}

func TestSideToMoveAlternates(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 2}, nil, nil)}
	s := whiteSettings()
	f.feed(gridOf(t, startFEN, 0.9), s, 2)
	f.feed(gridOf(t, e4FEN, 0.9), s, 2)
	f.feed(gridOf(t, e5FEN, 0.9), s, 2)
	require.Len(t, f.events, 3)
	require.Equal(t, nchess.White, f.events[0].SideToMove)
	require.Equal(t, nchess.Black, f.events[1].SideToMove)
	require.Equal(t, nchess.White, f.events[2].SideToMove)
	require.Equal(t, "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - 0 1", f.events[2].FEN())
}

func TestSideToggleReseedsCurrentPlacement(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 3}, nil, nil)}
	a := gridOf(t, startFEN, 0.9)
	s := whiteSettings()
	f.feed(a, s, 3)
	require.Len(t, f.events, 1)

	toggled := s
	toggled.Side = nchess.Black
	toggled.SideEpoch++
	toggled.Epoch++
	f.feed(a, toggled, 3)
	require.Len(t, f.events, 2)
	require.Equal(t, a.Placement(), f.events[1].Placement)
	require.Equal(t, nchess.Black, f.events[1].SideToMove)
	require.Greater(t, f.events[1].Generation, f.events[0].Generation)

	f.feed(a, toggled, 5)
	require.Len(t, f.events, 2)
}

func TestAmbiguousTransitionNeedsLongerWindow(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 2}, nil, nil)}
	s := whiteSettings()
	f.feed(gridOf(t, startFEN, 0.9), s, 2)
	require.Len(t, f.events, 1)

	// Knight on b1 read as a bishop: same color, different piece.
	swapped := gridOf(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RBBQKBNR", 0.9)
	f.feed(swapped, s, 3)
	require.Len(t, f.events, 1)
	f.feed(swapped, s, 1)
	require.Len(t, f.events, 2)
}

func TestCastlingRightsOnlyRevoked(t *testing.T) {
	f := &feeder{t: t, r: New(Config{Window: 2}, nil, nil)}
	s := whiteSettings()
	f.feed(gridOf(t, startFEN, 0.9), s, 2)
	// Rook leaves h1 and comes back: the kingside right stays revoked.
	f.feed(gridOf(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPP1/RNBQKBNR", 0.9), s, 2)
	f.feed(gridOf(t, "rnbqkbnr/pppppppp/8/8/8/7R/PPPPPPP1/RNBQKBN1", 0.9), s, 2)
	f.feed(gridOf(t, "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPP1/RNBQKBNR", 0.9), s, 2)
	require.Len(t, f.events, 4)
	last := f.events[3]
	require.False(t, last.Rights.WhiteKingside)
	require.True(t, last.Rights.WhiteQueenside)
	require.True(t, last.Rights.BlackKingside)
}

func TestUnsettledFramesReportAmbiguity(t *testing.T) {
	r := New(Config{Window: 3, MaxUnsettled: 4}, nil, nil)
	a := gridOf(t, startFEN, 0.9)
	b := gridOf(t, e4FEN, 0.9)
	s := whiteSettings()

	var got error
	for i := range 4 {
		g := a
		if i%2 == 1 {
			g = b
		}
		_, ok, err := r.Observe(g, s)
		require.False(t, ok)
		if err != nil {
			got = err
		}
	}
	require.Error(t, got)
	var amb *fault.AmbiguousStateError
	require.True(t, errors.As(got, &amb))
	require.Equal(t, 4, amb.Frames)
	_, ok := r.Current()
	require.False(t, ok)
}

func TestResetForgetsState(t *testing.T) {
	clock := &board.Clock{}
	f := &feeder{t: t, r: New(Config{Window: 2}, clock, nil)}
	a := gridOf(t, startFEN, 0.9)
	f.feed(a, whiteSettings(), 2)
	f.r.Reset()
	_, ok := f.r.Current()
	require.False(t, ok)

	f.feed(a, whiteSettings(), 2)
	require.Len(t, f.events, 2)
	require.EqualValues(t, 2, f.events[1].Generation)
}
