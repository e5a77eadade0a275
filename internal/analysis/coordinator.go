// Package analysis keeps at most one engine request in flight and forwards
// only results that still answer the current board generation.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/park285/chess-overlay/internal/latest"
	"go.uber.org/zap"
)

const (
	defaultDepth            = 18
	defaultLines            = 3
	defaultReconnectBackoff = 5 * time.Second
)

// Result is what a backend reports for one position.
type Result struct {
	Depth       int
	Suggestions []board.Suggestion
}

// Backend is the analysis engine capability.
type Backend interface {
	SetPosition(ctx context.Context, fen string) error
	RequestLines(ctx context.Context, depth, count int, partial func(Result)) (Result, error)
	Stop()
	Reconnect(ctx context.Context) error
	Close() error
}

// Sink receives forwarded lines. ApplyLines re-checks the generation
// atomically and reports whether the lines were installed.
type Sink interface {
	ApplyLines(line board.MoveLine) bool
	ClearLines()
}

// Cache stores final results by position and search parameters.
type Cache interface {
	Get(ctx context.Context, key string) (board.MoveLine, bool, error)
	Set(ctx context.Context, key string, line board.MoveLine) error
}

type CancelPolicy int

const (
	// CancelHard stops the outstanding search before issuing a new one.
	CancelHard CancelPolicy = iota
	// CancelSoft lets the outstanding search finish and discards its result.
	CancelSoft
)

func (p CancelPolicy) String() string {
	if p == CancelSoft {
		return "soft"
	}
	return "hard"
}

func ParseCancelPolicy(s string) (CancelPolicy, error) {
	switch s {
	case "", "hard":
		return CancelHard, nil
	case "soft":
		return CancelSoft, nil
	default:
		return CancelHard, fmt.Errorf("unknown cancel policy %q", s)
	}
}

type Config struct {
	Depth            int
	Lines            int
	Policy           CancelPolicy
	ReconnectBackoff time.Duration
	Cache            Cache

	OnResult    func(board.State, board.MoveLine)
	OnDegraded  func(error)
	OnRecovered func()
}

type Stats struct {
	Submitted  uint64
	Duplicates uint64
	Stale      uint64
	Forwarded  uint64
	Failures   uint64
	Reconnects uint64
	CacheHits  uint64
}

type Coordinator struct {
	backend Backend
	sink    Sink
	clock   *board.Clock
	cfg     Config
	log     *zap.Logger
	inbox   *latest.Slot[board.State]

	mu            sync.Mutex
	lastSubmitted uint64
	inflight      uint64
	cancel        context.CancelFunc
	degraded      bool
	lastReconnect time.Time
	stats         Stats

	now func() time.Time
}

func NewCoordinator(backend Backend, sink Sink, clock *board.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepth
	}
	if cfg.Lines <= 0 {
		cfg.Lines = defaultLines
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend: backend,
		sink:    sink,
		clock:   clock,
		cfg:     cfg,
		log:     logger.Named("analysis"),
		inbox:   latest.NewSlot[board.State](),
		now:     time.Now,
	}
}

// Submit queues a confirmed state, replacing any state not yet issued.
// Repeated or older generations are ignored.
func (c *Coordinator) Submit(st board.State) bool {
	c.mu.Lock()
	if st.Generation <= c.lastSubmitted {
		c.stats.Duplicates++
		c.mu.Unlock()
		return false
	}
	c.lastSubmitted = st.Generation
	c.stats.Submitted++
	cancel := c.cancel
	hard := c.cfg.Policy == CancelHard && c.inflight != 0 && c.inflight != st.Generation
	c.mu.Unlock()

	if hard && cancel != nil {
		cancel()
	}
	c.inbox.Publish(st)
	return true
}

// Invalidate drops pending work and stops the outstanding search, whatever
// the cancel policy.
func (c *Coordinator) Invalidate() {
	c.inbox.Discard()
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run serves submissions until ctx is done. It owns the backend.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.inbox.Close()
	for {
		st, ok := c.inbox.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		if !c.clock.IsCurrent(st.Generation) {
			c.log.Debug("skip superseded submission", zap.Uint64("generation", st.Generation))
			c.count(func(s *Stats) { s.Stale++ })
			continue
		}
		c.analyze(ctx, st)
	}
}

func (c *Coordinator) analyze(ctx context.Context, st board.State) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.inflight, c.cancel = st.Generation, cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight, c.cancel = 0, nil
		c.mu.Unlock()
	}()

	fen := st.FEN()
	key := cacheKey(fen, c.cfg.Depth, c.cfg.Lines)
	if line, ok := c.cached(reqCtx, key, st); ok {
		c.finish(st, line, "")
		return
	}

	line, err := c.request(reqCtx, st, fen)
	if err == nil {
		c.finish(st, line, key)
		return
	}
	if reqCtx.Err() != nil {
		c.log.Debug("analysis cancelled", zap.Uint64("generation", st.Generation))
		return
	}

	aerr := &fault.AnalysisError{Generation: st.Generation, Err: err}
	c.count(func(s *Stats) { s.Failures++ })
	c.sink.ClearLines()
	c.log.Warn("analysis failed", zap.Uint64("generation", st.Generation), zap.Error(aerr))

	if !c.mayReconnect() {
		c.degrade(aerr)
		return
	}
	if rerr := c.backend.Reconnect(reqCtx); rerr != nil {
		c.degrade(&fault.AnalysisError{Generation: st.Generation, Err: errors.Join(err, fmt.Errorf("reconnect: %w", rerr))})
		return
	}
	line, err = c.request(reqCtx, st, fen)
	if err == nil {
		c.finish(st, line, key)
		return
	}
	if reqCtx.Err() != nil {
		return
	}
	c.sink.ClearLines()
	c.degrade(&fault.AnalysisError{Generation: st.Generation, Err: err})
}

func (c *Coordinator) request(ctx context.Context, st board.State, fen string) (board.MoveLine, error) {
	if err := c.backend.SetPosition(ctx, fen); err != nil {
		return board.MoveLine{}, fmt.Errorf("set position: %w", err)
	}
	partial := func(r Result) {
		c.forward(c.lineFor(st, r, false))
	}
	res, err := c.backend.RequestLines(ctx, c.cfg.Depth, c.cfg.Lines, partial)
	if err != nil {
		return board.MoveLine{}, fmt.Errorf("request lines: %w", err)
	}
	return c.lineFor(st, res, true), nil
}

func (c *Coordinator) lineFor(st board.State, r Result, final bool) board.MoveLine {
	sugg := r.Suggestions
	if len(sugg) > c.cfg.Lines {
		sugg = sugg[:c.cfg.Lines]
	}
	return board.MoveLine{
		Generation:  st.Generation,
		Side:        st.SideToMove,
		Depth:       r.Depth,
		Final:       final,
		Suggestions: sugg,
	}
}

func (c *Coordinator) finish(st board.State, line board.MoveLine, key string) {
	c.markRecovered()
	forwarded := c.forward(line)
	if key != "" && c.cfg.Cache != nil && !line.Empty() {
		if err := c.cfg.Cache.Set(context.Background(), key, line); err != nil {
			c.log.Debug("cache store failed", zap.Error(err))
		}
	}
	if forwarded && c.cfg.OnResult != nil {
		c.cfg.OnResult(st, line)
	}
}

// forward hands a current result to the sink. Stale results are dropped.
func (c *Coordinator) forward(line board.MoveLine) bool {
	if !c.clock.IsCurrent(line.Generation) {
		c.count(func(s *Stats) { s.Stale++ })
		c.log.Debug("discard stale lines", zap.Uint64("generation", line.Generation), zap.Uint64("current", c.clock.Current()))
		return false
	}
	if !c.sink.ApplyLines(line) {
		c.count(func(s *Stats) { s.Stale++ })
		return false
	}
	c.count(func(s *Stats) { s.Forwarded++ })
	return true
}

func (c *Coordinator) cached(ctx context.Context, key string, st board.State) (board.MoveLine, bool) {
	if c.cfg.Cache == nil {
		return board.MoveLine{}, false
	}
	line, ok, err := c.cfg.Cache.Get(ctx, key)
	if err != nil {
		c.log.Debug("cache lookup failed", zap.Error(err))
		return board.MoveLine{}, false
	}
	if !ok {
		return board.MoveLine{}, false
	}
	c.count(func(s *Stats) { s.CacheHits++ })
	line.Generation = st.Generation
	line.Side = st.SideToMove
	line.Final = true
	return line, true
}

// mayReconnect allows one reconnect per failure while healthy, and at most
// one per backoff interval while degraded.
func (c *Coordinator) mayReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.degraded && now.Sub(c.lastReconnect) < c.cfg.ReconnectBackoff {
		return false
	}
	c.lastReconnect = now
	c.stats.Reconnects++
	return true
}

func (c *Coordinator) degrade(err error) {
	c.mu.Lock()
	was := c.degraded
	c.degraded = true
	c.mu.Unlock()
	if !was {
		c.log.Warn("analysis degraded", zap.Error(err))
	}
	if c.cfg.OnDegraded != nil {
		c.cfg.OnDegraded(err)
	}
}

func (c *Coordinator) markRecovered() {
	c.mu.Lock()
	was := c.degraded
	c.degraded = false
	c.mu.Unlock()
	if was {
		c.log.Info("analysis recovered")
		if c.cfg.OnRecovered != nil {
			c.cfg.OnRecovered()
		}
	}
}

func (c *Coordinator) count(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func cacheKey(fen string, depth, lines int) string {
	return fmt.Sprintf("%s|d%d|n%d", fen, depth, lines)
}

// Close releases the backend.
func (c *Coordinator) Close() error {
	c.Invalidate()
	c.backend.Stop()
	return c.backend.Close()
}
