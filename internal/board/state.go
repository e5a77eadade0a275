package board

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	nchess "github.com/corentings/chess/v2"
)

// Rights tracks castling availability. Rights are only ever revoked.
type Rights struct {
	WhiteKingside  bool
	WhiteQueenside bool
	BlackKingside  bool
	BlackQueenside bool
}

// HomeRights grants a right only when the king and the matching rook stand on
// their starting squares.
func HomeRights(p Placement) Rights {
	wk := p.At(nchess.E1) == nchess.WhiteKing
	bk := p.At(nchess.E8) == nchess.BlackKing
	return Rights{
		WhiteKingside:  wk && p.At(nchess.H1) == nchess.WhiteRook,
		WhiteQueenside: wk && p.At(nchess.A1) == nchess.WhiteRook,
		BlackKingside:  bk && p.At(nchess.H8) == nchess.BlackRook,
		BlackQueenside: bk && p.At(nchess.A8) == nchess.BlackRook,
	}
}

// Restrict drops every right that the placement no longer supports.
func (r Rights) Restrict(p Placement) Rights {
	home := HomeRights(p)
	return Rights{
		WhiteKingside:  r.WhiteKingside && home.WhiteKingside,
		WhiteQueenside: r.WhiteQueenside && home.WhiteQueenside,
		BlackKingside:  r.BlackKingside && home.BlackKingside,
		BlackQueenside: r.BlackQueenside && home.BlackQueenside,
	}
}

func (r Rights) String() string {
	var sb strings.Builder
	if r.WhiteKingside {
		sb.WriteByte('K')
	}
	if r.WhiteQueenside {
		sb.WriteByte('Q')
	}
	if r.BlackKingside {
		sb.WriteByte('k')
	}
	if r.BlackQueenside {
		sb.WriteByte('q')
	}
	if sb.Len() == 0 {
		return "-"
	}
	return sb.String()
}

// State is a confirmed, debounced board configuration.
type State struct {
	Placement  Placement
	Generation uint64
	SideToMove nchess.Color
	Rights     Rights
}

// FEN renders the state as a full FEN record. En passant is never asserted.
func (s State) FEN() string {
	side := "w"
	if s.SideToMove == nchess.Black {
		side = "b"
	}
	return fmt.Sprintf("%s %s %s - 0 1", s.Placement.FEN(), side, s.Rights)
}

// Move is a suggested move in square coordinates.
type Move struct {
	From      nchess.Square
	To        nchess.Square
	Promotion nchess.PieceType
}

func (m Move) String() string {
	s := m.From.String() + m.To.String()
	switch m.Promotion {
	case nchess.Queen:
		s += "q"
	case nchess.Rook:
		s += "r"
	case nchess.Bishop:
		s += "b"
	case nchess.Knight:
		s += "n"
	}
	return s
}

// fenMu serialises FEN decoding: the chess library parses ranks into a
// package-level buffer.
var fenMu sync.Mutex

// PositionOf decodes a full FEN record into a library position.
func PositionOf(fen string) (*nchess.Position, error) {
	fenMu.Lock()
	defer fenMu.Unlock()
	opt, err := nchess.FEN(strings.TrimSpace(fen))
	if err != nil {
		return nil, fmt.Errorf("fen %q: %w", fen, err)
	}
	return nchess.NewGame(opt).Position(), nil
}

// DecodeUCIMove decodes engine notation such as e2e4 or e7e8q. When pos is
// set the move must also be legal there.
func DecodeUCIMove(pos *nchess.Position, text string) (Move, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	mv, err := nchess.UCINotation{}.Decode(nil, text)
	if err != nil {
		return Move{}, fmt.Errorf("uci move %q: %w", text, err)
	}
	out := Move{From: mv.S1(), To: mv.S2(), Promotion: mv.Promo()}
	// the notation only range-checks the origin square
	if out.String() != text {
		return Move{}, fmt.Errorf("uci move %q: bad square", text)
	}
	if pos == nil {
		return out, nil
	}
	for _, legal := range pos.ValidMoves() {
		if legal.S1() == out.From && legal.S2() == out.To && legal.Promo() == out.Promotion {
			return out, nil
		}
	}
	return Move{}, fmt.Errorf("uci move %q: illegal in %s", text, pos)
}

// Suggestion is one ranked engine line.
type Suggestion struct {
	Move      Move
	EvalCP    int
	Principal []string
}

// MoveLine is the ranked list of suggestions answering one generation.
type MoveLine struct {
	Generation  uint64
	Side        nchess.Color
	Depth       int
	Final       bool
	Suggestions []Suggestion
}

func (l MoveLine) Empty() bool { return len(l.Suggestions) == 0 }

// Clock is the shared generation counter. It is the only cross-activity
// causality key: a result tagged with anything but Current is stale.
type Clock struct {
	gen atomic.Uint64
}

func (c *Clock) Current() uint64 { return c.gen.Load() }

// Advance moves to a fresh generation and returns it.
func (c *Clock) Advance() uint64 { return c.gen.Add(1) }

func (c *Clock) IsCurrent(gen uint64) bool { return gen != 0 && c.gen.Load() == gen }
