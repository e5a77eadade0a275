package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/chess/uci"
	"go.uber.org/zap"
)

var errNoPosition = errors.New("no position set")

// EngineBackend runs searches on a UCI engine taken from a session pool.
type EngineBackend struct {
	pool *uci.Pool
	log  *zap.Logger

	mu     sync.Mutex
	fen    string
	pos    *nchess.Position
	cancel context.CancelFunc
}

func NewEngineBackend(pool *uci.Pool, logger *zap.Logger) *EngineBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineBackend{pool: pool, log: logger.Named("engine")}
}

func (b *EngineBackend) SetPosition(_ context.Context, fen string) error {
	fen = strings.TrimSpace(fen)
	pos, err := board.PositionOf(fen)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.fen, b.pos = fen, pos
	b.mu.Unlock()
	return nil
}

func (b *EngineBackend) RequestLines(ctx context.Context, depth, count int, partial func(Result)) (Result, error) {
	b.mu.Lock()
	fen, pos := b.fen, b.pos
	b.mu.Unlock()
	if fen == "" {
		return Result{}, errNoPosition
	}

	session, err := b.pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire engine: %w", err)
	}

	searchCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		cancel()
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
	}()

	req := uci.SearchRequest{FEN: fen, Limits: uci.Limits{Depth: depth}, MultiPV: count}
	if partial != nil {
		req.OnProgress = func(p uci.Progress) {
			partial(Result{Depth: p.Depth, Suggestions: suggestions(pos, p.Candidates, b.log)})
		}
	}
	resp, err := session.Search(searchCtx, req)
	b.pool.Release(session, releaseErr(err))
	if err != nil {
		return Result{}, err
	}
	return Result{Depth: resp.Depth, Suggestions: suggestions(pos, resp.Candidates, b.log)}, nil
}

// releaseErr keeps a session that was merely cancelled; the session marks
// itself broken when the protocol state is unknown.
func releaseErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop interrupts the running search, if any.
func (b *EngineBackend) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reconnect makes sure the pool holds a live, handshaken engine.
func (b *EngineBackend) Reconnect(ctx context.Context) error {
	session, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("restart engine: %w", err)
	}
	err = session.NewGame(ctx)
	b.pool.Release(session, err)
	if err != nil {
		return fmt.Errorf("restart engine: %w", err)
	}
	b.log.Info("engine reconnected")
	return nil
}

func (b *EngineBackend) Close() error {
	b.Stop()
	return b.pool.Close()
}

// suggestions keeps the candidates whose first move is legal in pos.
func suggestions(pos *nchess.Position, cands []uci.Candidate, log *zap.Logger) []board.Suggestion {
	out := make([]board.Suggestion, 0, len(cands))
	for _, c := range cands {
		mv, err := board.DecodeUCIMove(pos, c.Move)
		if err != nil {
			log.Debug("skip unparsable move", zap.String("move", c.Move), zap.Error(err))
			continue
		}
		out = append(out, board.Suggestion{Move: mv, EvalCP: c.EvalCP, Principal: c.Principal})
	}
	return out
}
