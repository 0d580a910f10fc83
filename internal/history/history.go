// Package history records finished generation turns in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"minima/internal/common/fsutil"
	"minima/pkg/types"
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Turn is one recorded generation.
type Turn struct {
	ID           string              `json:"id"`
	Session      string              `json:"session"`
	Model        string              `json:"model"`
	Prompt       string              `json:"prompt"`
	Output       string              `json:"output"`
	State        types.TerminalState `json:"state"`
	FinishReason types.FinishReason  `json:"finish_reason"`
	Usage        types.Usage         `json:"usage"`
	WithImage    bool                `json:"with_image"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Migrations returns the schema statements, one per Exec.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id                TEXT PRIMARY KEY,
			session           TEXT NOT NULL,
			model             TEXT NOT NULL,
			prompt            TEXT NOT NULL,
			output            TEXT NOT NULL,
			state             TEXT NOT NULL,
			finish_reason     TEXT NOT NULL,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			with_image        INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at)`,
	}
}

// Store is a SQLite-backed turn log. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		p, err := fsutil.ExpandHome(path)
		if err != nil {
			return nil, err
		}
		dsn = p
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// one writer; also keeps a ":memory:" database on a single connection
	db.SetMaxOpenConns(1)
	for _, stmt := range Migrations() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate history db: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts a turn, assigning ID and CreatedAt when empty.
func (s *Store) Record(ctx context.Context, t Turn) (Turn, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.CreatedAt = t.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session, model, prompt, output, state, finish_reason,
			prompt_tokens, completion_tokens, with_image, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Session, t.Model, t.Prompt, t.Output, string(t.State), string(t.FinishReason),
		t.Usage.PromptTokens, t.Usage.CompletionTokens, boolInt(t.WithImage),
		t.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return t, fmt.Errorf("record turn: %w", err)
	}
	return t, nil
}

// Query filters List.
type Query struct {
	Session string
	// Search matches prompt or output text, case-insensitively.
	Search string
	Limit  int
}

// List returns turns newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Turn, error) {
	var where []string
	var args []any
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.Search != "" {
		where = append(where, "(prompt LIKE ? ESCAPE '\\' OR output LIKE ? ESCAPE '\\')")
		pat := "%" + escapeLike(q.Search) + "%"
		args = append(args, pat, pat)
	}
	query := `SELECT id, session, model, prompt, output, state, finish_reason,
		prompt_tokens, completion_tokens, with_image, created_at FROM turns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		var state, reason, created string
		var img int
		if err := rows.Scan(&t.ID, &t.Session, &t.Model, &t.Prompt, &t.Output, &state, &reason,
			&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &img, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.State = types.TerminalState(state)
		t.FinishReason = types.FinishReason(reason)
		t.Usage.TotalTokens = t.Usage.PromptTokens + t.Usage.CompletionTokens
		t.WithImage = img != 0
		t.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Count returns the number of recorded turns.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
