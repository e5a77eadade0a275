package linecache

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/park285/chess-overlay/internal/board"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, time.Minute), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	mv, _ := board.DecodeUCIMove(nil, "e7e8q")
	in := board.MoveLine{Generation: 9, Depth: 14, Suggestions: []board.Suggestion{{Move: mv, EvalCP: 900, Principal: []string{"e7e8q"}}}}

	if err := s.Set(ctx, "fen|d14|n3", in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "fen|d14|n3")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Depth != 14 || !got.Final || len(got.Suggestions) != 1 {
		t.Fatalf("unexpected lines: %+v", got)
	}
	if got.Suggestions[0].Move != mv || got.Suggestions[0].EvalCP != 900 {
		t.Fatalf("suggestion mismatch: %+v", got.Suggestions[0])
	}
	if got.Generation != 0 {
		t.Fatalf("generation must not be cached, got %d", got.Generation)
	}
}

func TestGetChecksMovesAgainstKeyPosition(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1|d12|n2"
	e4, _ := board.DecodeUCIMove(nil, "e2e4")
	e5, _ := board.DecodeUCIMove(nil, "e7e5")

	if err := s.Set(ctx, key, board.MoveLine{Depth: 12, Suggestions: []board.Suggestion{{Move: e4}}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok || got.Suggestions[0].Move != e4 {
		t.Fatalf("Get: ok=%v err=%v lines=%+v", ok, err, got)
	}

	if err := s.Set(ctx, key, board.MoveLine{Depth: 12, Suggestions: []board.Suggestion{{Move: e5}}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, _, err := s.Get(ctx, key); err == nil {
		t.Fatalf("expected illegal cached move to be an error")
	}
}

func TestMissAndExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "nope"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "k", board.MoveLine{Depth: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("entry outlived its ttl")
	}
}

func TestCorruptEntryIsAnError(t *testing.T) {
	s, mr := newTestStore(t)
	if err := mr.Set(keyPrefix+"bad", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, _, err := s.Get(context.Background(), "bad"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestForget(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	for i := range 3 {
		if err := s.Set(ctx, fmt.Sprintf("k%d", i), board.MoveLine{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	_ = mr.Set("unrelated", "x")
	n, err := s.Forget(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Forget: n=%d err=%v", n, err)
	}
	if !mr.Exists("unrelated") {
		t.Fatalf("foreign key removed")
	}
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rdb, err := Dial(context.Background(), fmt.Sprintf("redis://%s/2", mr.Addr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = rdb.Close()

	if _, err := Dial(context.Background(), "http://localhost"); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := Dial(context.Background(), ""); err == nil {
		t.Fatalf("expected empty url error")
	}
}
