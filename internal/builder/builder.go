// Package builder wires the configured collaborators into a pipeline.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/park285/chess-overlay/internal/analysis"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/capture"
	"github.com/park285/chess-overlay/internal/chess/uci"
	"github.com/park285/chess-overlay/internal/config"
	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/journal"
	"github.com/park285/chess-overlay/internal/linecache"
	"github.com/park285/chess-overlay/internal/msgcat"
	"github.com/park285/chess-overlay/internal/overlay"
	"github.com/park285/chess-overlay/internal/pipeline"
	"github.com/park285/chess-overlay/internal/reconcile"
	"github.com/park285/chess-overlay/internal/remote"
	"github.com/park285/chess-overlay/internal/vision"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deps struct {
	Supervisor *pipeline.Supervisor
	Hub        *remote.Hub
	Raster     *overlay.RasterSurface
	Recorder   *journal.Recorder
	Session    uuid.UUID

	rdb  *redis.Client
	repo *journal.Repository
	pool *uci.Pool
}

// New builds every dependency. Redis and Postgres are optional and enabled
// by REDIS_URL and DATABASE_URL.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.CaptureFile) == "" {
		return nil, fmt.Errorf("CAPTURE_FILE is required: point it at the screenshot your capture tool keeps updating")
	}

	side, err := board.ParseSide(cfg.Settings.Side)
	if err != nil {
		return nil, err
	}
	orientation, err := board.ParseOrientation(cfg.Settings.Board)
	if err != nil {
		return nil, err
	}
	policy, err := analysis.ParseCancelPolicy(cfg.CancelPolicy)
	if err != nil {
		return nil, err
	}
	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	d := &Deps{Session: uuid.New(), Raster: overlay.NewRasterSurface()}
	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	d.pool, err = uci.NewPool(uci.PoolConfig{
		BinaryPath: cfg.StockfishPath,
		Options:    uci.Options{Threads: cfg.EngineThreads, HashMB: cfg.EngineHashMB, MultiPV: cfg.Settings.Stockfish.MultiPV},
		Capacity:   1,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	acfg := analysis.Config{
		Depth:            cfg.Settings.Stockfish.Depth,
		Lines:            cfg.Settings.Stockfish.MultiPV,
		Policy:           policy,
		ReconnectBackoff: cfg.ReconnectBackoff,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		d.rdb, err = linecache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init line cache: %w", err)
		}
		acfg.Cache = linecache.NewStore(d.rdb, cfg.CacheTTL)
	}

	var rec pipeline.Recorder
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		d.repo, err = journal.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init journal: %w", err)
		}
		if err := d.repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		d.Recorder = journal.NewRecorder(d.repo, d.Session, cfg.JournalQueue, logger)
		rec = d.Recorder
	}

	detector := vision.NewHTTPDetector(cfg.VisionURL, vision.WithTimeout(cfg.VisionTimeout))
	classifier := vision.NewDetectionClassifier(detector, float32(cfg.DetectThreshold))
	extractor := vision.NewExtractor(classifier, cfg.VisionInputSize, logger)

	// the hub needs the supervisor for control and vice versa for drawing
	var sup *pipeline.Supervisor
	d.Hub = remote.NewHub(controlFunc(func(ctx context.Context, ev control.Event) error { return sup.Handle(ctx, ev) }), d.Raster, logger,
		remote.WithStatus(func() any { return sup.Status() }))

	sup, err = pipeline.New(pipeline.Deps{
		Capturer:   capture.NewFileCapturer(cfg.CaptureFile),
		Classifier: extractor,
		Backend:    analysis.NewEngineBackend(d.pool, logger),
		Surface:    overlay.MultiSurface{d.Raster, d.Hub},
		Catalog:    catalog,
		Recorder:   rec,
		Save:       saver(cfg),
		Logger:     logger,
	}, pipeline.Config{
		Session: d.Session,
		Capture: capture.Options{FPS: float64(cfg.FPS), Backoff: cfg.CaptureBackoff},
		Reconcile: reconcile.Config{
			Window:        cfg.DebounceFrames,
			MinConfidence: float32(cfg.ConfidenceThreshold),
			MaxUnsettled:  cfg.MaxUnsettled,
		},
		Analysis:        acfg,
		RenderHz:        float64(cfg.RenderHz),
		Region:          cfg.Settings.Region,
		Side:            side,
		Orientation:     orientation,
		AutoOrientation: cfg.Settings.AutoFlip,
	})
	if err != nil {
		return nil, err
	}
	d.Supervisor = sup
	d.pool = nil // owned by the supervisor's backend from here on
	ok = true
	return d, nil
}

// saver persists the toggles while keeping the engine settings from cfg.
func saver(cfg *config.AppConfig) func(pipeline.Persisted) error {
	return func(p pipeline.Persisted) error {
		s := cfg.Settings
		s.Region = p.Region
		s.Side = board.SideName(p.Side)
		s.Board = p.Orientation.String()
		s.AutoFlip = p.AutoOrientation
		if err := config.SaveSettings(cfg.SettingsPath, s); err != nil {
			return err
		}
		cfg.Settings = s
		return nil
	}
}

// Close releases everything New opened. The supervisor must be stopped first.
func (d *Deps) Close() error {
	var errs []error
	if d.Supervisor != nil {
		errs = append(errs, d.Supervisor.Close())
	}
	if d.pool != nil {
		errs = append(errs, d.pool.Close())
	}
	if d.repo != nil {
		errs = append(errs, d.repo.Close())
	}
	if d.rdb != nil {
		errs = append(errs, d.rdb.Close())
	}
	return errors.Join(errs...)
}
