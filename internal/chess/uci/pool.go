package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

type PoolConfig struct {
	BinaryPath string
	Options    Options
	Capacity   int
	Logger     *zap.Logger
}

// SessionFactory starts and handshakes a new engine session.
type SessionFactory func(ctx context.Context) (*Session, error)

// Pool hands out engine sessions with a fixed option set. Sessions released
// with an error are closed and replaced on the next Acquire.
type Pool struct {
	create   SessionFactory
	capacity int

	mu       sync.Mutex
	total    int
	closed   bool
	idle     chan *Session
	sessions map[*Session]struct{}
}

var (
	errPoolAtCapacity = errors.New("session pool at capacity")
	ErrPoolClosed     = errors.New("session pool closed")
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("stockfish binary check: %w", err)
	}
	if err := validateOptions(cfg.Options); err != nil {
		return nil, err
	}
	factory := func(ctx context.Context) (*Session, error) {
		return NewSession(ctx, cfg.BinaryPath, cfg.Options, cfg.Logger)
	}
	return NewPoolFunc(factory, cfg.Capacity), nil
}

func NewPoolFunc(create SessionFactory, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		create:   create,
		capacity: capacity,
		idle:     make(chan *Session, capacity),
		sessions: make(map[*Session]struct{}),
	}
}

func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		select {
		case session := <-p.idle:
			if s, ok := p.checkIdle(ctx, session); ok {
				return s, nil
			}
			continue
		default:
		}

		session, err := p.newSession(ctx)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, errPoolAtCapacity) {
			return nil, err
		}

		select {
		case session := <-p.idle:
			if s, ok := p.checkIdle(ctx, session); ok {
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) checkIdle(ctx context.Context, session *Session) (*Session, bool) {
	if session == nil {
		return nil, false
	}
	if session.Broken() {
		p.discard(session)
		return nil, false
	}
	if err := session.EnsureReady(ctx); err != nil {
		p.discard(session)
		return nil, false
	}
	return session, true
}

// Release returns a session. A non-nil err, or a broken session, closes it.
func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}
	p.mu.Lock()
	_, ok := p.sessions[session]
	closed := p.closed
	p.mu.Unlock()
	if !ok {
		_ = session.Close()
		return
	}
	if err != nil || closed || session.Broken() {
		p.discard(session)
		return
	}
	select {
	case p.idle <- session:
	default:
		p.discard(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case session := <-p.idle:
			if session == nil {
				continue
			}
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
			p.forget(session)
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) newSession(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.total >= p.capacity {
		p.mu.Unlock()
		return nil, errPoolAtCapacity
	}
	p.total++
	p.mu.Unlock()

	session, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Lock()
	p.sessions[session] = struct{}{}
	p.mu.Unlock()
	return session, nil
}

func (p *Pool) discard(session *Session) {
	_ = session.Close()
	p.forget(session)
}

func (p *Pool) forget(session *Session) {
	p.mu.Lock()
	if _, ok := p.sessions[session]; ok {
		delete(p.sessions, session)
		p.total--
	}
	p.mu.Unlock()
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
