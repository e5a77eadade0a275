package journal

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/park285/chess-overlay/internal/board"
	"go.uber.org/zap"
)

const defaultQueue = 64

// Recorder writes entries off the analysis path. When the queue is full the
// entry is dropped rather than delaying the caller.
type Recorder struct {
	w       Writer
	session uuid.UUID
	queue   chan Entry
	log     *zap.Logger
	now     func() time.Time

	saved   atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(w Writer, session uuid.UUID, queue int, logger *zap.Logger) *Recorder {
	if queue <= 0 {
		queue = defaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{w: w, session: session, queue: make(chan Entry, queue), log: logger.Named("journal"), now: time.Now}
}

func (r *Recorder) Session() uuid.UUID { return r.session }

// Record queues a final result for the given state. Partial lines are ignored.
func (r *Recorder) Record(st board.State, line board.MoveLine) {
	if r == nil || !line.Final || line.Empty() {
		return
	}
	e := Entry{
		SessionID:  r.session,
		Generation: line.Generation,
		FEN:        st.FEN(),
		Side:       board.SideName(st.SideToMove),
		Depth:      line.Depth,
		RecordedAt: r.now().UTC(),
	}
	for _, s := range line.Suggestions {
		e.Moves = append(e.Moves, s.Move.String())
		e.EvalsCP = append(e.EvalsCP, int64(s.EvalCP))
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.log.Debug("journal queue full", zap.Uint64("generation", e.Generation))
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case e := <-r.queue:
			r.save(ctx, e)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case e := <-r.queue:
					r.save(flushCtx, e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) save(ctx context.Context, e Entry) {
	if err := r.w.Save(ctx, e); err != nil {
		r.failed.Add(1)
		r.log.Warn("journal save failed", zap.Uint64("generation", e.Generation), zap.Error(err))
		return
	}
	r.saved.Add(1)
}

type Stats struct {
	Saved, Dropped, Failed uint64
}

func (r *Recorder) Stats() Stats {
	return Stats{Saved: r.saved.Load(), Dropped: r.dropped.Load(), Failed: r.failed.Load()}
}
