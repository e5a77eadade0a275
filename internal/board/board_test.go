package board

import (
	"strings"
	"testing"

	nchess "github.com/corentings/chess/v2"
	"github.com/stretchr/testify/require"
)

const startPlacement = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"

// placement mirrors boardtest.Placement, which cannot be imported here.
func placement(fen string) (Placement, error) {
	if len(strings.Fields(fen)) == 1 {
		fen += " w - - 0 1"
	}
	pos, err := PositionOf(fen)
	if err != nil {
		return Placement{}, err
	}
	var p Placement
	for sq, pc := range pos.Board().SquareMap() {
		p[sq] = pc
	}
	return p, nil
}

func TestPlacementFromLibraryFEN(t *testing.T) {
	p, err := placement(startPlacement + " w KQkq - 0 1")
	require.NoError(t, err)
	require.Equal(t, nchess.WhiteKing, p.At(nchess.E1))
	require.Equal(t, nchess.BlackQueen, p.At(nchess.D8))
	require.Equal(t, startPlacement, p.FEN())
	require.NoError(t, p.Validate())

	_, err = PositionOf("8/8/8 w - - 0 1")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		fen  string
		ok   bool
	}{
		{"start", startPlacement, true},
		{"missing black king", "rnbq1bnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR", false},
		{"two white kings", "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBKKBNR", false},
		{"pawn on rank 8", "rnbqkbnP/pppppppp/8/8/8/8/PPPPPPP1/RNBQKBNR", false},
		{"bare kings", "4k3/8/8/8/8/8/8/4K3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := placement(tt.fen)
			require.NoError(t, err)
			if tt.ok {
				require.NoError(t, p.Validate())
			} else {
				require.Error(t, p.Validate())
			}
		})
	}
}

func TestRightsRevokedNeverRegranted(t *testing.T) {
	start, err := placement(startPlacement)
	require.NoError(t, err)
	r := HomeRights(start)
	require.Equal(t, "KQkq", r.String())

	kingMoved, err := placement("rnbqkbnr/pppppppp/8/8/8/8/PPPPKPPP/RNBQ1BNR")
	require.NoError(t, err)
	r = r.Restrict(kingMoved)
	require.Equal(t, "kq", r.String())

	// King walks back home: the right stays revoked.
	r = r.Restrict(start)
	require.Equal(t, "kq", r.String())
}

func TestStateFEN(t *testing.T) {
	p, err := placement(startPlacement)
	require.NoError(t, err)
	s := State{Placement: p, Generation: 4, SideToMove: nchess.Black, Rights: HomeRights(p)}
	require.Equal(t, startPlacement+" b KQkq - 0 1", s.FEN())
}

func TestDecodeUCIMove(t *testing.T) {
	mv, err := DecodeUCIMove(nil, "e7e8q")
	require.NoError(t, err)
	require.Equal(t, nchess.E7, mv.From)
	require.Equal(t, nchess.E8, mv.To)
	require.Equal(t, nchess.Queen, mv.Promotion)
	require.Equal(t, "e7e8q", mv.String())

	mv, err = DecodeUCIMove(nil, " G1F3 ")
	require.NoError(t, err)
	require.Equal(t, nchess.NoPieceType, mv.Promotion)

	for _, bad := range []string{"", "e2", "i2e4", "e2e9", "e2i4", "e7e8k"} {
		_, err := DecodeUCIMove(nil, bad)
		require.Error(t, err, bad)
	}
}

func TestDecodeUCIMoveChecksLegality(t *testing.T) {
	pos, err := PositionOf(startPlacement + " w KQkq - 0 1")
	require.NoError(t, err)

	mv, err := DecodeUCIMove(pos, "e2e4")
	require.NoError(t, err)
	require.Equal(t, nchess.E4, mv.To)

	_, err = DecodeUCIMove(pos, "e2e5")
	require.Error(t, err)
	_, err = DecodeUCIMove(pos, "e7e5")
	require.Error(t, err, "black move with white to play")

	promo, err := PositionOf("8/4P3/8/8/8/8/k7/4K3 w - - 0 1")
	require.NoError(t, err)
	_, err = DecodeUCIMove(promo, "e7e8n")
	require.NoError(t, err)
	_, err = DecodeUCIMove(promo, "e7e8")
	require.Error(t, err, "promotion piece required")
}

func TestClock(t *testing.T) {
	var c Clock
	require.False(t, c.IsCurrent(0))
	g1 := c.Advance()
	require.True(t, c.IsCurrent(g1))
	g2 := c.Advance()
	require.Greater(t, g2, g1)
	require.False(t, c.IsCurrent(g1))
}

func TestVisualMappingMirrors(t *testing.T) {
	require.Equal(t, nchess.A8, SquareAt(WhiteBottom, 0, 0))
	require.Equal(t, nchess.H1, SquareAt(WhiteBottom, 7, 7))
	require.Equal(t, nchess.H1, SquareAt(BlackBottom, 0, 0))
	require.Equal(t, nchess.A8, SquareAt(BlackBottom, 7, 7))

	for _, o := range []Orientation{WhiteBottom, BlackBottom} {
		for sq := nchess.A1; sq <= nchess.H8; sq++ {
			row, col := CellOf(o, sq)
			require.Equal(t, sq, SquareAt(o, row, col))
		}
	}
}
