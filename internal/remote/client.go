package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-overlay/internal/control"
	"github.com/park285/chess-overlay/internal/overlay"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type SceneCallback func(sc overlay.Scene)

type StateCallback func(st State)

// Client follows a Hub's scene stream and sends control events. The stream
// reconnects with exponential backoff up to maxAttempts times.
type Client struct {
	base        string
	maxAttempts int
	dialTimeout time.Duration
	log         *zap.Logger

	mu       sync.RWMutex
	state    State
	onScene  []SceneCallback
	onState  []StateCallback
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient takes the hub's base URL, e.g. ws://127.0.0.1:7878.
func NewClient(baseURL string, maxAttempts int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		maxAttempts: maxAttempts,
		dialTimeout: 10 * time.Second,
		log:         logger.Named("remote_client"),
		state:       StateDisconnected,
		stopCh:      make(chan struct{}),
	}
}

func (c *Client) OnScene(cb SceneCallback) {
	c.mu.Lock()
	c.onScene = append(c.onScene, cb)
	c.mu.Unlock()
}

func (c *Client) OnStateChange(cb StateCallback) {
	c.mu.Lock()
	c.onState = append(c.onState, cb)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	c.state = st
	cbs := append([]StateCallback(nil), c.onState...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.base+path, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	return conn, err
}

// Watch connects to the scene stream and returns once the first connection
// is established. Scenes are delivered from a background goroutine.
func (c *Client) Watch(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx, "/overlay")
	if err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("dial overlay stream: %w", err)
	}
	c.setState(StateConnected)
	c.wg.Add(1)
	go c.follow(conn)
	return nil
}

func (c *Client) follow(conn *websocket.Conn) {
	defer c.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for conn != nil {
		err := c.listen(ctx, conn)
		_ = conn.Close(websocket.StatusGoingAway, "reconnect")
		if c.stopping() {
			c.setState(StateDisconnected)
			return
		}
		c.log.Debug("overlay stream lost", zap.Error(err))
		conn = c.reconnect(ctx)
	}
}

func (c *Client) listen(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Type != TypeScene || msg.Scene == nil {
			continue
		}
		c.mu.RLock()
		cbs := append([]SceneCallback(nil), c.onScene...)
		c.mu.RUnlock()
		for _, cb := range cbs {
			cb(*msg.Scene)
		}
	}
}

func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	if c.maxAttempts <= 0 {
		c.setState(StateFailed)
		return nil
	}
	c.setState(StateReconnecting)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		select {
		case <-c.stopCh:
			return nil
		case <-time.After(backoffDuration(attempt)):
		}
		conn, err := c.dial(ctx, "/overlay")
		if err != nil {
			continue
		}
		c.setState(StateConnected)
		return conn
	}
	c.setState(StateFailed)
	return nil
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 100 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Send delivers one control event and waits for its acknowledgement.
func (c *Client) Send(ctx context.Context, ev control.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	conn, err := c.dial(ctx, "/control")
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	var ack Message
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if !ack.OK {
		return errors.New(ack.Error)
	}
	return nil
}

// Close stops the scene stream and waits for its goroutine.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
