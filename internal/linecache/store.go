// Package linecache keeps final engine lines in Redis so that positions seen
// again are answered without a search.
package linecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 6 * time.Hour
	keyPrefix  = "overlay:lines:"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Dial connects to REDIS_URL-style addresses (redis:// or rediss://).
func Dial(ctx context.Context, raw string) (*redis.Client, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := parseRedisURL(raw)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("redis db %q: %w", p, err)
		}
		db = n
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}

func (s *Store) key(k string) string { return keyPrefix + strings.TrimSpace(k) }

type storedSuggestion struct {
	Move      string   `json:"move"`
	EvalCP    int      `json:"eval_cp"`
	Principal []string `json:"pv,omitempty"`
}

type storedLine struct {
	Depth       int                `json:"depth"`
	Suggestions []storedSuggestion `json:"suggestions"`
	StoredAt    time.Time          `json:"stored_at"`
}

func (s *Store) Set(ctx context.Context, key string, line board.MoveLine) error {
	rec := storedLine{Depth: line.Depth, StoredAt: time.Now().UTC()}
	for _, sg := range line.Suggestions {
		rec.Suggestions = append(rec.Suggestions, storedSuggestion{Move: sg.Move.String(), EvalCP: sg.EvalCP, Principal: sg.Principal})
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}
	return s.rdb.Set(ctx, s.key(key), raw, s.ttl).Err()
}

// Get returns the cached lines. Generation and side are left for the caller.
// Keys that start with a FEN record ("<fen>|...") have their moves checked for
// legality in that position.
func (s *Store) Get(ctx context.Context, key string) (board.MoveLine, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return board.MoveLine{}, false, nil
	}
	if err != nil {
		return board.MoveLine{}, false, err
	}
	var rec storedLine
	if err := json.Unmarshal(raw, &rec); err != nil {
		return board.MoveLine{}, false, fmt.Errorf("decode cached lines: %w", err)
	}
	pos := positionOfKey(key)
	line := board.MoveLine{Depth: rec.Depth, Final: true}
	for _, sg := range rec.Suggestions {
		mv, err := board.DecodeUCIMove(pos, sg.Move)
		if err != nil {
			return board.MoveLine{}, false, fmt.Errorf("decode cached lines: %w", err)
		}
		line.Suggestions = append(line.Suggestions, board.Suggestion{Move: mv, EvalCP: sg.EvalCP, Principal: sg.Principal})
	}
	return line, true, nil
}

func positionOfKey(key string) *nchess.Position {
	fen, _, ok := strings.Cut(strings.TrimSpace(key), "|")
	if !ok {
		return nil
	}
	pos, err := board.PositionOf(fen)
	if err != nil {
		return nil
	}
	return pos
}

// Forget drops every cached entry. Used when engine settings change.
func (s *Store) Forget(ctx context.Context) (int, error) {
	var n int
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, iter.Err()
}
