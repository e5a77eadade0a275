package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/overlay"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Controller receives decoded control events.
type Controller interface {
	Handle(ctx context.Context, ev control.Event) error
}

// Snapshotter supplies the last rasterized overlay.
type Snapshotter interface {
	PNG() ([]byte, error)
}

type HubOption func(*Hub)

// WithOriginPatterns allows browser clients from the given hosts.
func WithOriginPatterns(p ...string) HubOption { return func(h *Hub) { h.origins = p } }

// WithStatus serves the value returned by fn as JSON on /status.
func WithStatus(fn func() any) HubOption { return func(h *Hub) { h.status = fn } }

// Hub is an overlay.Surface that fans scenes out to WebSocket subscribers.
// Each subscriber holds at most one pending scene; slower clients skip
// intermediate scenes.
type Hub struct {
	ctrl    Controller
	snap    Snapshotter
	status  func() any
	origins []string
	log     *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
	last []byte

	delivered atomic.Uint64
	skipped   atomic.Uint64
}

type subscriber struct {
	ch chan []byte
}

// offer replaces any scene the subscriber has not consumed yet.
func (s *subscriber) offer(raw []byte) bool {
	select {
	case s.ch <- raw:
		return false
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- raw:
	default:
	}
	return true
}

func NewHub(ctrl Controller, snap Snapshotter, logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{ctrl: ctrl, snap: snap, log: logger.Named("remote"), subs: make(map[*subscriber]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Draw(_ context.Context, sc overlay.Scene) error {
	raw, err := json.Marshal(Message{Type: TypeScene, Scene: &sc})
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}
	h.mu.Lock()
	h.last = raw
	for s := range h.subs {
		if s.offer(raw) {
			h.skipped.Add(1)
		}
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan []byte, 1)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	if h.last != nil {
		s.ch <- h.last
	}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscribers reports the number of connected scene clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type Stats struct {
	Subscribers int    `json:"subscribers"`
	Delivered   uint64 `json:"delivered"`
	Skipped     uint64 `json:"skipped"`
}

func (h *Hub) Stats() Stats {
	return Stats{Subscribers: h.Subscribers(), Delivered: h.delivered.Load(), Skipped: h.skipped.Load()}
}

// Handler routes /overlay, /control, /snapshot.png and /status.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/overlay", h.serveOverlay)
	mux.HandleFunc("/control", h.serveControl)
	mux.HandleFunc("/snapshot.png", h.serveSnapshot)
	mux.HandleFunc("/status", h.serveStatus)
	return mux
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
}

func (h *Hub) serveOverlay(w http.ResponseWriter, r *http.Request) {
	conn, err := h.accept(w, r)
	if err != nil {
		h.log.Debug("overlay accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := h.subscribe()
	defer h.unsubscribe(sub)
	h.log.Info("overlay client connected", zap.String("remote", r.RemoteAddr))

	// the stream is one-way; CloseRead handles pings and ends ctx on close
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.log.Info("overlay client gone", zap.String("remote", r.RemoteAddr))
			return
		case raw := <-sub.ch:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				h.log.Debug("overlay write failed", zap.Error(err))
				return
			}
			h.delivered.Add(1)
		}
	}
}

func (h *Hub) serveControl(w http.ResponseWriter, r *http.Request) {
	conn, err := h.accept(w, r)
	if err != nil {
		h.log.Debug("control accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				h.log.Debug("control read failed", zap.Error(err))
			}
			return
		}
		ack := Message{Type: TypeAck}
		ev, err := control.Decode(raw)
		ack.Kind = ev.Kind
		if err == nil && h.ctrl != nil {
			err = h.ctrl.Handle(ctx, ev)
		}
		if err != nil {
			ack.Error = err.Error()
			h.log.Warn("control rejected", zap.String("kind", string(ev.Kind)), zap.Error(err))
		} else {
			ack.OK = true
			h.log.Info("control applied", zap.String("kind", string(ev.Kind)))
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = wsjson.Write(wctx, conn, ack)
		cancel()
		if err != nil {
			return
		}
	}
}

func (h *Hub) serveSnapshot(w http.ResponseWriter, _ *http.Request) {
	if h.snap == nil {
		http.Error(w, "snapshots disabled", http.StatusNotFound)
		return
	}
	data, err := h.snap.PNG()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (h *Hub) serveStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"hub": h.Stats()}
	if h.status != nil {
		body["pipeline"] = h.status()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Serve listens on addr until ctx is done.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return h.ServeListener(ctx, ln)
}

func (h *Hub) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// hijacked WebSocket connections are not closed by Shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	h.log.Info("remote listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	}
}
