// Package pipeline runs the capture, recognition, analysis and drawing
// activities and applies user commands to all of them consistently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"github.com/park285/chess-overlay/internal/analysis"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/capture"
	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/fault"
	"github.com/park285/chess-overlay/internal/latest"
	"github.com/park285/chess-overlay/internal/msgcat"
	"github.com/park285/chess-overlay/internal/orient"
	"github.com/park285/chess-overlay/internal/overlay"
	"github.com/park285/chess-overlay/internal/reconcile"
	"github.com/park285/chess-overlay/internal/vision"
	"go.uber.org/zap"
)

var (
	ErrRunning    = errors.New("pipeline already running")
	ErrNotRunning = errors.New("pipeline not running")
	ErrNoSaver    = errors.New("saving settings is not configured")
)

// CellClassifier turns a sample into per-cell observations in screen layout.
type CellClassifier interface {
	Classify(ctx context.Context, sample capture.RawSample, o board.Orientation) (vision.Cells, error)
}

// Recorder receives every final result that reached the overlay.
type Recorder interface {
	Record(st board.State, line board.MoveLine)
}

// Persisted is the user-tunable state written on save-settings.
type Persisted struct {
	Region          *board.Region
	Side            nchess.Color
	Orientation     board.Orientation
	AutoOrientation bool
}

type Deps struct {
	Capturer   capture.Capturer
	Classifier CellClassifier
	Backend    analysis.Backend
	Surface    overlay.Surface
	Catalog    *msgcat.Catalog
	Recorder   Recorder
	Save       func(Persisted) error
	Logger     *zap.Logger
}

type Config struct {
	Session   uuid.UUID
	Capture   capture.Options
	Reconcile reconcile.Config
	Analysis  analysis.Config
	RenderHz  float64

	Region          *board.Region
	Side            nchess.Color
	Orientation     board.Orientation
	AutoOrientation bool
}

// target is what the sampler captures. Epoch changes with the region or the
// orientation; frames from an older epoch never reach the reconciler.
type target struct {
	region board.Region
	epoch  uint64
}

type observation struct {
	grid  board.Grid
	epoch uint64
}

// run holds the per-Start activities.
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	coord  *analysis.Coordinator
	grids  *latest.Slot[observation]
}

type Supervisor struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	clock    *board.Clock
	orient   *orient.Controller
	renderer *overlay.Renderer
	sampler  *capture.Sampler
	target   atomic.Pointer[target]

	// ctl serialises commands with the reconciliation step so that a state
	// confirmed under an old region or side is never installed afterwards.
	ctl sync.Mutex

	mu     sync.Mutex
	parent context.Context
	cur    *run
	flags  flags
	last   *board.State

	frames      atomic.Uint64
	staleFrames atomic.Uint64
}

func New(deps Deps, cfg Config) (*Supervisor, error) {
	if deps.Capturer == nil || deps.Classifier == nil || deps.Backend == nil {
		return nil, errors.New("pipeline: capturer, classifier and backend are required")
	}
	if deps.Surface == nil {
		deps.Surface = overlay.NewRasterSurface()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Session == uuid.Nil {
		cfg.Session = uuid.New()
	}
	log := deps.Logger.Named("pipeline").With(zap.String("session", cfg.Session.String()))

	s := &Supervisor{
		deps:     deps,
		cfg:      cfg,
		log:      log,
		clock:    &board.Clock{},
		orient:   orient.NewController(cfg.Side, cfg.Orientation, cfg.AutoOrientation),
		renderer: overlay.NewRenderer(cfg.RenderHz, deps.Logger),
	}
	var region board.Region
	if cfg.Region != nil {
		region = *cfg.Region
	}
	s.target.Store(&target{region: region, epoch: 1})

	opts := cfg.Capture
	opts.Logger = deps.Logger
	userOnError := opts.OnError
	opts.OnError = func(err error) {
		s.noteCapture(err)
		if userOnError != nil {
			userOnError(err)
		}
	}
	s.sampler = capture.NewSampler(deps.Capturer, opts)
	s.renderer.Reset(region, cfg.Orientation, 0)
	s.refreshStatus()
	return s, nil
}

func (s *Supervisor) Renderer() *overlay.Renderer { return s.renderer }

func (s *Supervisor) Session() uuid.UUID { return s.cfg.Session }

// Start launches the four activities. The parent context bounds all later
// restarts triggered through Handle.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return ErrRunning
	}
	if s.parent == nil {
		s.parent = ctx
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, grids: latest.NewSlot[observation]()}
	r.coord = analysis.NewCoordinator(s.deps.Backend, s.renderer, s.clock, s.analysisConfig(), s.deps.Logger)
	s.cur = r
	s.flags = flags{running: true, userPaused: s.flags.userPaused}
	s.syncSamplerLocked()

	r.wg.Add(4)
	go func() {
		defer r.wg.Done()
		err := s.sampler.Run(runCtx, s.source, func(sample capture.RawSample) { s.onSample(runCtx, r, sample) })
		s.logExit("sampler", err)
	}()
	go func() {
		defer r.wg.Done()
		s.reconcileLoop(runCtx, r)
	}()
	go func() {
		defer r.wg.Done()
		s.logExit("analysis", r.coord.Run(runCtx))
	}()
	go func() {
		defer r.wg.Done()
		s.logExit("renderer", s.renderer.Run(runCtx, s.deps.Surface))
	}()

	s.log.Info("pipeline started", zap.String("region", s.target.Load().region.String()))
	s.refreshStatusLocked()
	return nil
}

func (s *Supervisor) logExit(name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("activity exited", zap.String("activity", name), zap.Error(err))
	}
}

// Stop halts every activity and draws one last frame with the stopped status.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cur = nil
	s.flags.running = false
	s.mu.Unlock()

	r.coord.Invalidate()
	r.cancel()
	r.grids.Close()
	r.wg.Wait()

	s.renderer.ClearLines()
	s.refreshStatus()
	if err := s.deps.Surface.Draw(context.Background(), overlay.BuildScene(s.renderer.Current())); err != nil {
		s.log.Debug("final draw failed", zap.Error(err))
	}
	s.log.Info("pipeline stopped")
	return nil
}

// Close stops the pipeline if needed and releases the analysis backend.
func (s *Supervisor) Close() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.deps.Backend.Stop()
	return s.deps.Backend.Close()
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (s *Supervisor) Pause() {
	s.mu.Lock()
	s.flags.userPaused = true
	s.syncSamplerLocked()
	s.refreshStatusLocked()
	s.mu.Unlock()
	s.log.Info("pipeline paused")
}

func (s *Supervisor) Resume() {
	s.mu.Lock()
	s.flags.userPaused = false
	s.syncSamplerLocked()
	s.refreshStatusLocked()
	s.mu.Unlock()
	s.log.Info("pipeline resumed")
}

// syncSamplerLocked pauses capture while the user paused or no region is set.
func (s *Supervisor) syncSamplerLocked() {
	if s.flags.userPaused || !s.target.Load().region.Valid() {
		s.sampler.Pause()
		return
	}
	s.sampler.Resume()
}

// SetRegion moves capture to a new region. Frames already in flight are
// dropped, the reconciler starts over and current arrows disappear.
func (s *Supervisor) SetRegion(region board.Region) error {
	if !region.Valid() {
		return fmt.Errorf("region %s too small", region)
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	prev := s.target.Load()
	if prev.region == region {
		return nil
	}
	s.retarget(region)
	s.log.Info("region changed", zap.String("region", region.String()))

	s.mu.Lock()
	s.flags.captureFail = nil
	s.syncSamplerLocked()
	s.refreshStatusLocked()
	s.mu.Unlock()
	return nil
}

// retarget advances the epoch and the generation and cancels analysis.
// Callers hold ctl.
func (s *Supervisor) retarget(region board.Region) {
	prev := s.target.Load()
	s.target.Store(&target{region: region, epoch: prev.epoch + 1})
	s.invalidate()
	s.mu.Lock()
	s.last = nil
	s.flags.ambiguous = false
	s.mu.Unlock()
}

// invalidate cancels in-flight analysis and clears the arrows under a fresh
// generation. Callers hold ctl.
func (s *Supervisor) invalidate() {
	gen := s.clock.Advance()
	if r := s.running(); r != nil {
		r.coord.Invalidate()
		r.grids.Discard()
	}
	set := s.orient.Snapshot()
	s.renderer.Reset(s.target.Load().region, set.Orientation, gen)
}

func (s *Supervisor) running() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Supervisor) ToggleSide() orient.Settings {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	set := s.orient.ToggleSide()
	s.sideChanged(set)
	return set
}

func (s *Supervisor) SetSide(side nchess.Color) orient.Settings {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	before := s.orient.Snapshot()
	set := s.orient.SetSide(side)
	if set.SideEpoch != before.SideEpoch {
		s.sideChanged(set)
	}
	return set
}

// sideChanged drops analysis for the old side. The reconciler re-emits the
// current placement with the new side on its next settled frame.
func (s *Supervisor) sideChanged(set orient.Settings) {
	s.invalidate()
	s.log.Info("side toggled", zap.String("side", board.SideName(set.Side)))
	s.refreshStatus()
}

func (s *Supervisor) SetOrientation(o board.Orientation) orient.Settings {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	before := s.orient.Snapshot()
	set := s.orient.SetOrientation(o)
	if set.Orientation != before.Orientation {
		s.orientationChanged(set)
	}
	return set
}

func (s *Supervisor) ToggleOrientation() orient.Settings {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	set := s.orient.ToggleOrientation()
	s.orientationChanged(set)
	return set
}

// orientationChanged treats a flip like a region change: the same pixels
// now map to different squares.
func (s *Supervisor) orientationChanged(set orient.Settings) {
	s.retarget(s.target.Load().region)
	s.log.Info("orientation changed", zap.String("orientation", set.Orientation.String()))
	s.refreshStatus()
}

func (s *Supervisor) SetAutoOrientation(on bool) orient.Settings {
	return s.orient.SetAutoOrientation(on)
}

// Handle applies a control event.
func (s *Supervisor) Handle(_ context.Context, ev control.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	switch ev.Kind {
	case control.Start:
		s.mu.Lock()
		parent := s.parent
		s.mu.Unlock()
		if parent == nil {
			parent = context.Background()
		}
		return s.Start(parent)
	case control.Stop:
		return s.Stop()
	case control.Pause:
		s.Pause()
	case control.Resume:
		s.Resume()
	case control.ToggleSide:
		s.ToggleSide()
	case control.SetSide:
		side, _ := board.ParseSide(ev.Side)
		s.SetSide(side)
	case control.ToggleOrientation:
		s.ToggleOrientation()
	case control.SetOrientation:
		o, _ := board.ParseOrientation(ev.Orientation)
		s.SetOrientation(o)
	case control.SetAutoOrient:
		s.SetAutoOrientation(ev.Enabled)
	case control.SetRegion:
		return s.SetRegion(*ev.Region)
	case control.SaveSettings:
		return s.SaveSettings()
	}
	return nil
}

func (s *Supervisor) SaveSettings() error {
	if s.deps.Save == nil {
		return ErrNoSaver
	}
	set := s.orient.Snapshot()
	p := Persisted{Side: set.Side, Orientation: set.Orientation, AutoOrientation: set.AutoOrientation}
	if r := s.target.Load().region; r.Valid() {
		p.Region = &r
	}
	if err := s.deps.Save(p); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.log.Info("settings saved")
	return nil
}

func (s *Supervisor) source() (board.Region, uint64) {
	t := s.target.Load()
	return t.region, t.epoch
}

// onSample runs in the sampling activity: classify, optionally infer the
// orientation, then hand the grid to reconciliation.
func (s *Supervisor) onSample(ctx context.Context, r *run, sample capture.RawSample) {
	s.frames.Add(1)
	s.clearFlag(func(f *flags) bool {
		if f.captureFail == nil {
			return false
		}
		f.captureFail = nil
		return true
	})
	if sample.Epoch != s.target.Load().epoch {
		s.staleFrames.Add(1)
		return
	}

	set := s.orient.Snapshot()
	cells, err := s.deps.Classifier.Classify(ctx, sample, set.Orientation)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("classification failed", zap.Uint64("seq", sample.Seq), zap.Error(err))
		s.mu.Lock()
		s.flags.inferenceFail = err
		s.refreshStatusLocked()
		s.mu.Unlock()
		return
	}
	s.clearFlag(func(f *flags) bool {
		if f.inferenceFail == nil {
			return false
		}
		f.inferenceFail = nil
		return true
	})

	if set.AutoOrientation {
		if o, ok := vision.InferOrientation(cells); ok && o != set.Orientation {
			s.log.Info("orientation inferred", zap.String("orientation", o.String()))
			s.SetOrientation(o)
			return
		}
	}
	r.grids.Publish(observation{grid: vision.MapCells(cells, set.Orientation), epoch: sample.Epoch})
}

func (s *Supervisor) reconcileLoop(ctx context.Context, r *run) {
	rec := reconcile.New(s.cfg.Reconcile, s.clock, s.deps.Logger)
	var seen uint64
	for {
		obs, ok := r.grids.Next(ctx)
		if !ok {
			return
		}
		s.reconcile(r, rec, obs, &seen)
	}
}

func (s *Supervisor) reconcile(r *run, rec *reconcile.Reconciler, obs observation, seen *uint64) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	t := s.target.Load()
	if obs.epoch != t.epoch {
		s.staleFrames.Add(1)
		return
	}
	if obs.epoch != *seen {
		rec.Reset()
		*seen = obs.epoch
	}

	set := s.orient.Snapshot()
	st, changed, err := rec.Observe(obs.grid, set)
	switch {
	case err != nil:
		if fault.IsAmbiguous(err) {
			s.log.Debug("board not settling", zap.Error(err))
			s.mu.Lock()
			s.flags.ambiguous = true
			s.refreshStatusLocked()
			s.mu.Unlock()
		}
		return
	case changed:
		s.renderer.Reset(t.region, set.Orientation, st.Generation)
		s.mu.Lock()
		s.last = &st
		s.flags.ambiguous = false
		s.refreshStatusLocked()
		s.mu.Unlock()
		r.coord.Submit(st)
	default:
		if cur, ok := rec.Current(); ok && cur.Placement == obs.grid.Placement() {
			s.clearFlag(func(f *flags) bool {
				if !f.ambiguous {
					return false
				}
				f.ambiguous = false
				return true
			})
		}
	}
}

func (s *Supervisor) analysisConfig() analysis.Config {
	cfg := s.cfg.Analysis
	onResult, onDegraded, onRecovered := cfg.OnResult, cfg.OnDegraded, cfg.OnRecovered
	cfg.OnResult = func(st board.State, line board.MoveLine) {
		if s.deps.Recorder != nil {
			s.deps.Recorder.Record(st, line)
		}
		if onResult != nil {
			onResult(st, line)
		}
	}
	cfg.OnDegraded = func(err error) {
		s.mu.Lock()
		s.flags.degraded = true
		s.refreshStatusLocked()
		s.mu.Unlock()
		if onDegraded != nil {
			onDegraded(err)
		}
	}
	cfg.OnRecovered = func() {
		s.clearFlag(func(f *flags) bool {
			if !f.degraded {
				return false
			}
			f.degraded = false
			return true
		})
		if onRecovered != nil {
			onRecovered()
		}
	}
	return cfg
}

func (s *Supervisor) noteCapture(err error) {
	s.mu.Lock()
	s.flags.captureFail = err
	s.refreshStatusLocked()
	s.mu.Unlock()
}

func (s *Supervisor) clearFlag(fn func(*flags) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn(&s.flags) {
		s.refreshStatusLocked()
	}
}

func (s *Supervisor) refreshStatus() {
	s.mu.Lock()
	s.refreshStatusLocked()
	s.mu.Unlock()
}

func (s *Supervisor) refreshStatusLocked() {
	phase, text := s.describeLocked()
	s.renderer.SetStatus(overlay.Status{Level: phaseStyle[phase].level, Text: text})
}

func (s *Supervisor) describeLocked() (Phase, string) {
	t := s.target.Load()
	set := s.orient.Snapshot()
	phase := s.flags.phase(t.region)
	data := map[string]any{
		"Side":        board.SideName(set.Side),
		"Orientation": set.Orientation.String(),
		"Reason":      s.flags.reason(),
		"X":           t.region.X,
		"Y":           t.region.Y,
		"Width":       t.region.Width,
		"Height":      t.region.Height,
	}
	return phase, s.deps.Catalog.Text(phaseStyle[phase].key, data)
}

// Status reports the current phase and position.
func (s *Supervisor) Status() Report {
	s.mu.Lock()
	phase, text := s.describeLocked()
	last := s.last
	s.mu.Unlock()

	t := s.target.Load()
	set := s.orient.Snapshot()
	rep := Report{
		Session:         s.cfg.Session.String(),
		Phase:           phase,
		Text:            text,
		Region:          t.region,
		Epoch:           t.epoch,
		Side:            board.SideName(set.Side),
		Orientation:     set.Orientation.String(),
		AutoOrientation: set.AutoOrientation,
		Generation:      s.clock.Current(),
		StaleFrames:     s.staleFrames.Load(),
		Frames:          s.frames.Load(),
	}
	if last != nil {
		rep.FEN = last.FEN()
	}
	return rep
}
