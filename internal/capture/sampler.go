// Package capture samples the selected screen region at a fixed rate.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/park285/chess-overlay/internal/fault"
	"go.uber.org/zap"
)

const (
	defaultFPS     = 2
	defaultBackoff = 2 * time.Second
)

// Capturer grabs the pixels of a screen region.
type Capturer interface {
	Capture(ctx context.Context, region board.Region) (image.Image, error)
}

// RawSample is one captured frame. Epoch is the supervisor epoch the frame
// was taken under; frames from an older epoch are dropped downstream.
type RawSample struct {
	Image      image.Image
	Region     board.Region
	CapturedAt time.Time
	Seq        uint64
	Epoch      uint64
}

// Source tells the sampler what to capture on each tick.
type Source func() (board.Region, uint64)

type Options struct {
	FPS     float64
	Backoff time.Duration
	// OnError is called for every failed capture before the backoff.
	OnError func(error)
	Logger  *zap.Logger
	Now     func() time.Time
}

type Sampler struct {
	cap     Capturer
	period  time.Duration
	backoff time.Duration
	onError func(error)
	log     *zap.Logger
	now     func() time.Time

	seq    atomic.Uint64
	paused atomic.Bool

	mu     sync.Mutex
	resume chan struct{}
}

func NewSampler(c Capturer, opts Options) *Sampler {
	fps := opts.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sampler{
		cap:     c,
		period:  time.Duration(float64(time.Second) / fps),
		backoff: backoff,
		onError: opts.OnError,
		log:     logger.Named("capture"),
		now:     now,
		resume:  make(chan struct{}),
	}
}

func (s *Sampler) Period() time.Duration { return s.period }

// Sample performs a single capture. Failures are returned as *fault.CaptureError.
func (s *Sampler) Sample(ctx context.Context, region board.Region, epoch uint64) (RawSample, error) {
	if !region.Valid() {
		return RawSample{}, &fault.CaptureError{Region: region.String(), Err: errInvalidRegion}
	}
	img, err := s.cap.Capture(ctx, region)
	if err != nil {
		var ce *fault.CaptureError
		if errors.As(err, &ce) {
			return RawSample{}, err
		}
		return RawSample{}, &fault.CaptureError{Region: region.String(), Err: err}
	}
	if img == nil {
		return RawSample{}, &fault.CaptureError{Region: region.String(), Err: errors.New("empty image")}
	}
	return RawSample{
		Image:      img,
		Region:     region,
		CapturedAt: s.now(),
		Seq:        s.seq.Add(1),
		Epoch:      epoch,
	}, nil
}

var errInvalidRegion = errors.New("region too small")

// Pause stops sampling until Resume; the loop itself keeps running.
func (s *Sampler) Pause() { s.paused.Store(true) }

func (s *Sampler) Resume() {
	if !s.paused.Swap(false) {
		return
	}
	s.mu.Lock()
	close(s.resume)
	s.resume = make(chan struct{})
	s.mu.Unlock()
}

func (s *Sampler) Paused() bool { return s.paused.Load() }

func (s *Sampler) resumed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume
}

// Run samples at the configured period until ctx is done, handing every
// frame to sink. A failed capture pauses the loop for the backoff interval.
func (s *Sampler) Run(ctx context.Context, src Source, sink func(RawSample)) error {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	s.log.Info("sampler started", zap.Duration("period", s.period))

	for {
		if s.paused.Load() {
			wake := s.resumed()
			if s.paused.Load() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-wake:
				}
				ticker.Reset(s.period)
			}
		}

		region, epoch := src()
		sample, err := s.Sample(ctx, region, epoch)
		switch {
		case err == nil:
			sink(sample)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			s.log.Warn("capture failed", zap.String("region", region.String()), zap.Error(err))
			if s.onError != nil {
				s.onError(err)
			}
			if err := sleep(ctx, s.backoff); err != nil {
				return err
			}
			ticker.Reset(s.period)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sampler backoff: %w", ctx.Err())
	case <-t.C:
		return nil
	}
}
