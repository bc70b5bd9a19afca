package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "tickwheel/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// pruneEvery is how many appends pass between journal trims.
const pruneEvery = 500

type sqliteStore struct {
	db     *sql.DB
	insert *sql.Stmt
	log    logx.Logger

	maxRows int

	mu      sync.Mutex
	appends int
	closed  bool
}

// sqliteDSN passes pragmas through the driver so every pooled connection
// gets them, not just the first.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if busy > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	}
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	insert, err := db.PrepareContext(ctx, `INSERT INTO journal(at_ms, type, key, data) VALUES(?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite prepare: %w", err)
	}
	log.Debug("journal opened", logx.String("path", path))
	return &sqliteStore{db: db, insert: insert, log: log, maxRows: cfg.maxRows()}, nil
}

func (s *sqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.insert.Close(), s.db.Close())
}

func (s *sqliteStore) AppendEvent(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if _, err := s.insert.ExecContext(ctx, r.At.UnixMilli(), r.Type, nullable(r.Key), nullable(string(r.Data))); err != nil {
		return err
	}
	s.appends++
	if s.appends%pruneEvery == 0 {
		s.prune()
	}
	return nil
}

// prune keeps the newest maxRows rows. Failures only delay the trim.
func (s *sqliteStore) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM journal WHERE id <= (SELECT MAX(id) FROM journal) - ?`, s.maxRows)
	if err != nil {
		s.log.Debug("journal prune failed", logx.Err(err))
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("journal pruned", logx.Int64("rows", n))
	}
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = s.maxRows
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, at_ms, type, key, data FROM journal ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			atMS      int64
			key, data sql.NullString
		)
		if err := rows.Scan(&r.ID, &atMS, &r.Type, &key, &data); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMS).UTC()
		r.Key = key.String
		if data.Valid {
			r.Data = []byte(data.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
