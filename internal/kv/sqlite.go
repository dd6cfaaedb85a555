package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; the increment transactions rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	now := s.now().UnixMilli()
	var exp int64
	if ttl > 0 {
		exp = now + ttl.Milliseconds()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// An expired counter must restart from zero with a fresh TTL.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND expires_at > 0 AND expires_at <= ?`, key, now); err != nil {
		return 0, err
	}
	var n int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(kv.value AS INTEGER) + ? AS TEXT)
		 RETURNING CAST(value AS INTEGER)`,
		key, strconv.FormatInt(delta, 10), exp, delta,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(ctx, key, 1, ttl)
}

func (s *sqliteStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.incr(ctx, key, delta, 0)
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		val []byte
		exp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if exp > 0 && exp <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return val, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, exp,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	var n int64
	for _, k := range keys {
		// Expired rows are left for Prune and do not count as deleted.
		res, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, k, now)
		if err != nil {
			return 0, err
		}
		if c, _ := res.RowsAffected(); c > 0 {
			n++
			continue
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM zset WHERE key = ?`, k)
		if err != nil {
			return 0, err
		}
		if c, _ := res.RowsAffected(); c > 0 {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES(?, ?, ?)
		 ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) ZUpdate(ctx context.Context, key string, score float64, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE zset SET score = ? WHERE key = ? AND member = ?`, score, key, member)
	if err != nil {
		return false, fmt.Errorf("zupdate %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	if math.IsInf(max, 1) {
		max = math.MaxFloat64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT member FROM zset WHERE key = ? AND score <= ? ORDER BY score, member LIMIT ?`,
		key, max, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ZRem(ctx context.Context, key, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM zset WHERE key = ? AND member = ?`, key, member)
	if err != nil {
		return false, fmt.Errorf("zrem %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM zset WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("zcard %s: %w", key, err)
	}
	return n, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes expired rows. Reads already ignore them; this only reclaims space.
func (s *sqliteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
