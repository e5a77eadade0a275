// Package ucitest provides an in-process UCI engine for tests.
package ucitest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/park285/chess-overlay/internal/chess/uci"
)

// Engine answers the UCI handshake and searches with scripted lines. Each
// Connect starts a fresh engine instance over in-memory pipes.
type Engine struct {
	// Moves are the principal-variation heads reported for multipv 1..N.
	Moves []string
	// Hang makes searches report depth 1 and then wait for "stop".
	Hang atomic.Bool
	// CrashGoes is the number of upcoming "go" commands that kill the engine.
	CrashGoes atomic.Int32

	connects atomic.Int32
	searches atomic.Int32
	stops    atomic.Int32

	mu        sync.Mutex
	positions []string
}

func New(moves ...string) *Engine {
	if len(moves) == 0 {
		moves = []string{"e2e4", "d2d4", "g1f3"}
	}
	return &Engine{Moves: moves}
}

// Connect returns the engine's output and command streams.
func (e *Engine) Connect() (io.Reader, io.WriteCloser) {
	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()
	e.connects.Add(1)
	go e.serve(cmdR, outW)
	return outR, cmdW
}

// Factory adapts the engine to uci.NewPoolFunc.
func (e *Engine) Factory(opt uci.Options) uci.SessionFactory {
	return func(ctx context.Context) (*uci.Session, error) {
		r, w := e.Connect()
		return uci.NewSessionIO(ctx, r, w, opt, nil)
	}
}

func (e *Engine) Connects() int { return int(e.connects.Load()) }
func (e *Engine) Searches() int { return int(e.searches.Load()) }
func (e *Engine) Stops() int    { return int(e.stops.Load()) }

// Positions lists every FEN the engine was given, in order.
func (e *Engine) Positions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.positions...)
}

func (e *Engine) serve(cmdR *io.PipeReader, outW *io.PipeWriter) {
	defer outW.Close()
	multiPV := 1
	searching := false
	sc := bufio.NewScanner(cmdR)
	say := func(format string, args ...any) bool {
		_, err := fmt.Fprintf(outW, format+"\n", args...)
		return err == nil
	}

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "uci":
			say("id name ucitest")
			say("uciok")
		case "isready":
			say("readyok")
		case "setoption":
			if len(fields) == 5 && fields[2] == "MultiPV" {
				if n, err := strconv.Atoi(fields[4]); err == nil && n > 0 {
					multiPV = n
				}
			}
		case "position":
			if len(fields) > 2 && fields[1] == "fen" {
				e.mu.Lock()
				e.positions = append(e.positions, strings.Join(fields[2:], " "))
				e.mu.Unlock()
			}
		case "go":
			e.searches.Add(1)
			if e.CrashGoes.Load() > 0 {
				e.CrashGoes.Add(-1)
				_ = cmdR.CloseWithError(io.ErrClosedPipe)
				return
			}
			depth := 1
			if len(fields) >= 3 && fields[1] == "depth" {
				if d, err := strconv.Atoi(fields[2]); err == nil && d > 0 {
					depth = d
				}
			}
			if e.Hang.Load() {
				e.report(say, 1, multiPV)
				searching = true
				continue
			}
			for d := 1; d <= depth; d++ {
				e.report(say, d, multiPV)
			}
			say("bestmove %s", e.Moves[0])
		case "stop":
			e.stops.Add(1)
			if searching {
				searching = false
				say("bestmove %s", e.Moves[0])
			}
		case "quit":
			return
		}
	}
}

func (e *Engine) report(say func(string, ...any) bool, depth, multiPV int) {
	for i := 1; i <= multiPV && i <= len(e.Moves); i++ {
		say("info depth %d seldepth %d multipv %d score cp %d nodes 100 pv %s", depth, depth, i, 40-10*i, e.Moves[i-1])
	}
}
