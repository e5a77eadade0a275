package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/board/boardtest"
	"github.com/park285/chess-overlay/internal/chess/uci"
	"github.com/park285/chess-overlay/internal/chess/uci/ucitest"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/stretchr/testify/require"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR"

type fakeBackend struct {
	mu         sync.Mutex
	fen        string
	fails      int
	reconnects int
	stops      int
	ignoreCtx  bool

	started chan string
	release chan struct{}
	result  Result
}

func newFakeBackend() *fakeBackend {
	mv, _ := board.DecodeUCIMove(nil, "e2e4")
	return &fakeBackend{
		started: make(chan string, 16),
		result:  Result{Depth: 10, Suggestions: []board.Suggestion{{Move: mv, EvalCP: 25}}},
	}
}

func (f *fakeBackend) SetPosition(_ context.Context, fen string) error {
	f.mu.Lock()
	f.fen = fen
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) RequestLines(ctx context.Context, _, _ int, partial func(Result)) (Result, error) {
	f.mu.Lock()
	fen := f.fen
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	release, ignore, res := f.release, f.ignoreCtx, f.result
	f.mu.Unlock()

	f.started <- fen
	if fail {
		return Result{}, errors.New("engine died")
	}
	if release != nil {
		if ignore {
			<-release
		} else {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-release:
			}
		}
	}
	if partial != nil {
		partial(Result{Depth: 1, Suggestions: res.Suggestions})
	}
	return res, nil
}

func (f *fakeBackend) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeBackend) Reconnect(context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

type fakeSink struct {
	clock *board.Clock

	mu      sync.Mutex
	applied []board.MoveLine
	clears  int
}

func (s *fakeSink) ApplyLines(line board.MoveLine) bool {
	if !s.clock.IsCurrent(line.Generation) {
		return false
	}
	s.mu.Lock()
	s.applied = append(s.applied, line)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) ClearLines() {
	s.mu.Lock()
	s.clears++
	s.mu.Unlock()
}

func (s *fakeSink) snapshot() ([]board.MoveLine, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]board.MoveLine(nil), s.applied...), s.clears
}

func (s *fakeSink) finals() []board.MoveLine {
	lines, _ := s.snapshot()
	var out []board.MoveLine
	for _, l := range lines {
		if l.Final {
			out = append(out, l)
		}
	}
	return out
}

func stateAt(t *testing.T, clock *board.Clock, side nchess.Color) board.State {
	t.Helper()
	p, err := boardtest.Placement(startFEN)
	require.NoError(t, err)
	return board.State{Placement: p, Generation: clock.Advance(), SideToMove: side, Rights: board.HomeRights(p)}
}

func run(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitStarted(t *testing.T, b *fakeBackend) string {
	t.Helper()
	select {
	case fen := <-b.started:
		return fen
	case <-time.After(2 * time.Second):
		t.Fatal("backend request not started")
		return ""
	}
}

func TestStaleResultIsDiscarded(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	backend.ignoreCtx = true
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(backend, sink, clock, Config{Policy: CancelSoft}, nil)
	run(t, c)

	gen1 := stateAt(t, clock, nchess.White)
	require.True(t, c.Submit(gen1))
	waitStarted(t, backend)

	gen2 := stateAt(t, clock, nchess.Black)
	require.True(t, c.Submit(gen2))
	backend.release <- struct{}{} // gen1 finishes after gen2 was confirmed

	waitStarted(t, backend)
	backend.release <- struct{}{}

	require.Eventually(t, func() bool { return len(sink.finals()) == 1 }, 2*time.Second, 5*time.Millisecond)
	lines, _ := sink.snapshot()
	for _, l := range lines {
		require.Equal(t, gen2.Generation, l.Generation)
	}
	require.Equal(t, nchess.Black, sink.finals()[0].Side)
	require.GreaterOrEqual(t, c.Stats().Stale, uint64(2))
}

func TestHardCancelStopsOutstandingRequest(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(backend, sink, clock, Config{}, nil)
	run(t, c)

	require.True(t, c.Submit(stateAt(t, clock, nchess.White)))
	waitStarted(t, backend)

	gen2 := stateAt(t, clock, nchess.Black)
	require.True(t, c.Submit(gen2))
	// the gen1 request returns through ctx cancellation; gen2 is issued next
	waitStarted(t, backend)
	close(backend.release)

	require.Eventually(t, func() bool { return len(sink.finals()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, gen2.Generation, sink.finals()[0].Generation)
	require.Zero(t, c.Stats().Failures)
}

func TestSideToggleDiscardsInflightResult(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	backend.ignoreCtx = true
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(backend, sink, clock, Config{}, nil)
	run(t, c)

	require.True(t, c.Submit(stateAt(t, clock, nchess.White)))
	waitStarted(t, backend)

	clock.Advance()
	c.Invalidate()
	close(backend.release)

	require.Eventually(t, func() bool { return c.Stats().Stale >= 1 }, 2*time.Second, 5*time.Millisecond)
	lines, _ := sink.snapshot()
	require.Empty(t, lines)
}

func TestDuplicateSubmissionIgnored(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(backend, sink, clock, Config{}, nil)

	st := stateAt(t, clock, nchess.White)
	require.True(t, c.Submit(st))
	require.False(t, c.Submit(st))
	require.EqualValues(t, 1, c.Stats().Duplicates)
}

func TestFailureClearsArrowsAndReconnectsOnce(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	backend.fails = 1
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(backend, sink, clock, Config{}, nil)
	run(t, c)

	st := stateAt(t, clock, nchess.White)
	c.Submit(st)
	waitStarted(t, backend)
	waitStarted(t, backend)

	require.Eventually(t, func() bool { return len(sink.finals()) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, clears := sink.snapshot()
	require.Equal(t, 1, clears)
	require.Equal(t, 1, backend.Reconnects())
	require.False(t, c.Degraded())
}

func TestRepeatedFailureDegrades(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	backend.fails = 100
	sink := &fakeSink{clock: clock}
	degraded := make(chan error, 4)
	c := NewCoordinator(backend, sink, clock, Config{
		ReconnectBackoff: time.Hour,
		OnDegraded:       func(err error) { degraded <- err },
	}, nil)
	run(t, c)

	c.Submit(stateAt(t, clock, nchess.White))
	select {
	case err := <-degraded:
		require.True(t, fault.IsAnalysis(err))
	case <-time.After(2 * time.Second):
		t.Fatal("no degraded signal")
	}
	require.True(t, c.Degraded())
	require.Equal(t, 1, backend.Reconnects())

	// inside the backoff window no second reconnect is attempted
	c.Submit(stateAt(t, clock, nchess.White))
	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("no degraded signal")
	}
	require.Equal(t, 1, backend.Reconnects())
	lines, _ := sink.snapshot()
	require.Empty(t, lines)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string]board.MoveLine
}

func (c *mapCache) Get(_ context.Context, key string) (board.MoveLine, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.m[key]
	return l, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, line board.MoveLine) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = line
	return nil
}

func TestCacheHitSkipsBackend(t *testing.T) {
	clock := &board.Clock{}
	backend := newFakeBackend()
	sink := &fakeSink{clock: clock}
	cache := &mapCache{m: map[string]board.MoveLine{}}
	var results []board.MoveLine
	var mu sync.Mutex
	c := NewCoordinator(backend, sink, clock, Config{Cache: cache, OnResult: func(_ board.State, l board.MoveLine) {
		mu.Lock()
		results = append(results, l)
		mu.Unlock()
	}}, nil)
	run(t, c)

	c.Submit(stateAt(t, clock, nchess.White))
	waitStarted(t, backend)
	require.Eventually(t, func() bool { return len(sink.finals()) == 1 }, 2*time.Second, 5*time.Millisecond)

	second := stateAt(t, clock, nchess.White)
	c.Submit(second)
	require.Eventually(t, func() bool { return len(sink.finals()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, second.Generation, sink.finals()[1].Generation)
	require.EqualValues(t, 1, c.Stats().CacheHits)
	require.Empty(t, backend.started)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
}

func TestEngineBackendRecoversFromCrash(t *testing.T) {
	eng := ucitest.New("e2e4", "d2d4", "c2c4")
	eng.CrashGoes.Store(1)
	pool := uci.NewPoolFunc(eng.Factory(uci.Options{MultiPV: 1}), 1)
	clock := &board.Clock{}
	sink := &fakeSink{clock: clock}
	c := NewCoordinator(NewEngineBackend(pool, nil), sink, clock, Config{Depth: 3, Lines: 3}, nil)
	t.Cleanup(func() { _ = c.Close() })
	run(t, c)

	st := stateAt(t, clock, nchess.White)
	c.Submit(st)

	require.Eventually(t, func() bool { return len(sink.finals()) == 1 }, 3*time.Second, 10*time.Millisecond)
	final := sink.finals()[0]
	require.Len(t, final.Suggestions, 3)
	require.Equal(t, "e2e4", final.Suggestions[0].Move.String())
	require.Equal(t, 3, final.Depth)
	require.Equal(t, 2, eng.Connects())
	_, clears := sink.snapshot()
	require.Equal(t, 1, clears)
	require.Equal(t, []string{st.FEN(), st.FEN()}, eng.Positions())
}
