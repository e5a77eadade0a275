// Package boardtest builds board values for tests.
package boardtest

import (
	"strings"

	"github.com/park285/chess-overlay/internal/board"
)

// Placement parses a FEN record, or only its placement field.
func Placement(fen string) (board.Placement, error) {
	fen = strings.TrimSpace(fen)
	if len(strings.Fields(fen)) == 1 {
		fen += " w - - 0 1"
	}
	pos, err := board.PositionOf(fen)
	if err != nil {
		return board.Placement{}, err
	}
	var p board.Placement
	for sq, pc := range pos.Board().SquareMap() {
		p[sq] = pc
	}
	return p, nil
}
