// Package journal records confirmed positions together with the final engine
// lines that were shown for them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Entry struct {
	SessionID  uuid.UUID
	Generation uint64
	FEN        string
	Side       string
	Depth      int
	Moves      []string
	EvalsCP    []int64
	RecordedAt time.Time
}

// Writer persists journal entries.
type Writer interface {
	Save(ctx context.Context, e Entry) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const schema = `CREATE TABLE IF NOT EXISTS overlay_positions (
    session_id  UUID        NOT NULL,
    generation  BIGINT      NOT NULL,
    fen         TEXT        NOT NULL,
    side        TEXT        NOT NULL,
    depth       INTEGER     NOT NULL,
    moves       TEXT[]      NOT NULL,
    evals_cp    BIGINT[]    NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, generation)
)`

// Migrate creates the journal table when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Save upserts one entry. A later final for the same generation wins.
func (r *Repository) Save(ctx context.Context, e Entry) error {
	if r == nil || r.db == nil {
		return nil
	}
	q := `INSERT INTO overlay_positions (
        session_id, generation, fen, side, depth, moves, evals_cp, recorded_at
      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
      ON CONFLICT (session_id, generation) DO UPDATE SET
        fen=EXCLUDED.fen,
        side=EXCLUDED.side,
        depth=EXCLUDED.depth,
        moves=EXCLUDED.moves,
        evals_cp=EXCLUDED.evals_cp,
        recorded_at=EXCLUDED.recorded_at`
	_, err := r.db.ExecContext(ctx, q,
		e.SessionID, int64(e.Generation), e.FEN, e.Side, e.Depth,
		pq.Array(e.Moves), pq.Array(e.EvalsCP), e.RecordedAt,
	)
	return err
}

// Recent returns the newest entries of a session, newest first.
func (r *Repository) Recent(ctx context.Context, session uuid.UUID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `SELECT session_id, generation, fen, side, depth, moves, evals_cp, recorded_at
      FROM overlay_positions WHERE session_id=$1 ORDER BY generation DESC LIMIT $2`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			gen int64
		)
		if err := rows.Scan(&e.SessionID, &gen, &e.FEN, &e.Side, &e.Depth, pq.Array(&e.Moves), pq.Array(&e.EvalsCP), &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Generation = uint64(gen)
		out = append(out, e)
	}
	return out, rows.Err()
}
