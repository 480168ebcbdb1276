// Package pg backs kv.Store with PostgreSQL tables so several API
// instances can share one store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"catequiz.org/internal/kv"
)

// Store runs every Update as a SERIALIZABLE transaction.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open connects through the pgx stdlib driver.
func Open(dsn string, maxOpen int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen <= 0 {
		maxOpen = 20
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) View(ctx context.Context, fn func(kv.Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()
	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	for attempt := 0; attempt < kv.MaxRetries; attempt++ {
		err := s.update(ctx, fn)
		if !retryable(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return kv.ErrConflict
}

func (s *Store) update(ctx context.Context, fn func(kv.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()
	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) strings(query string, args ...any) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *tx) HGetAll(key string) (map[string]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `select field, value from kv_hash where key=$1`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, err
		}
		out[f] = v
	}
	return out, rows.Err()
}

func (t *tx) HGet(key, field string) (string, bool, error) {
	var v string
	err := t.tx.QueryRowContext(t.ctx, `select value from kv_hash where key=$1 and field=$2`, key, field).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (t *tx) SMembers(key string) ([]string, error) {
	return t.strings(`select member from kv_set where key=$1 order by member`, key)
}

func (t *tx) SIsMember(key, member string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(t.ctx,
		`select exists(select 1 from kv_set where key=$1 and member=$2)`, key, member).Scan(&ok)
	return ok, err
}

func (t *tx) Exists(key string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(t.ctx, `
		select exists(select 1 from kv_hash where key=$1)
		    or exists(select 1 from kv_set where key=$1)
		    or exists(select 1 from kv_list where key=$1)`, key).Scan(&ok)
	return ok, err
}

type listItem struct {
	pos   int64
	value string
}

func (t *tx) list(key string) ([]listItem, error) {
	rows, err := t.tx.QueryContext(t.ctx, `select pos, value from kv_list where key=$1 order by pos`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []listItem
	for rows.Next() {
		var it listItem
		if err := rows.Scan(&it.pos, &it.value); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *tx) LRange(key string, start, stop int) ([]string, error) {
	items, err := t.list(key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := kv.Span(len(items), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, 0, hi-lo)
	for _, it := range items[lo:hi] {
		out = append(out, it.value)
	}
	return out, nil
}

func (t *tx) HSet(key string, fields map[string]string) error {
	for f, v := range fields {
		if _, err := t.tx.ExecContext(t.ctx, `
			insert into kv_hash(key, field, value) values ($1,$2,$3)
			on conflict (key, field) do update set value = excluded.value`, key, f, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HDel(key string, fields ...string) error {
	for _, f := range fields {
		if _, err := t.tx.ExecContext(t.ctx, `delete from kv_hash where key=$1 and field=$2`, key, f); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HIncrBy(key, field string, delta int64) (int64, error) {
	cur, ok, err := t.HGet(key, field)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s.%s", kv.ErrNotInteger, key, field)
		}
	}
	n += delta
	if err := t.HSet(key, map[string]string{field: strconv.FormatInt(n, 10)}); err != nil {
		return 0, err
	}
	return n, nil
}

func (t *tx) Del(keys ...string) error {
	for _, k := range keys {
		for _, q := range []string{
			`delete from kv_hash where key=$1`,
			`delete from kv_set where key=$1`,
			`delete from kv_list where key=$1`,
		} {
			if _, err := t.tx.ExecContext(t.ctx, q, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tx) SAdd(key string, members ...string) error {
	for _, m := range members {
		if _, err := t.tx.ExecContext(t.ctx,
			`insert into kv_set(key, member) values ($1,$2) on conflict do nothing`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) SRem(key string, members ...string) error {
	for _, m := range members {
		if _, err := t.tx.ExecContext(t.ctx, `delete from kv_set where key=$1 and member=$2`, key, m); err != nil {
			return err
		}
	}
	return nil
}

// LPush stores lower positions at the head, so each push takes min(pos)-1.
func (t *tx) LPush(key string, values ...string) error {
	var head sql.NullInt64
	if err := t.tx.QueryRowContext(t.ctx, `select min(pos) from kv_list where key=$1`, key).Scan(&head); err != nil {
		return err
	}
	pos := int64(0)
	if head.Valid {
		pos = head.Int64
	}
	for _, v := range values {
		pos--
		if _, err := t.tx.ExecContext(t.ctx,
			`insert into kv_list(key, pos, value) values ($1,$2,$3)`, key, pos, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LTrim(key string, start, stop int) error {
	items, err := t.list(key)
	if err != nil {
		return err
	}
	lo, hi, ok := kv.Span(len(items), start, stop)
	if !ok {
		_, err := t.tx.ExecContext(t.ctx, `delete from kv_list where key=$1`, key)
		return err
	}
	if lo > 0 {
		if _, err := t.tx.ExecContext(t.ctx,
			`delete from kv_list where key=$1 and pos < $2`, key, items[lo].pos); err != nil {
			return err
		}
	}
	if hi < len(items) {
		if _, err := t.tx.ExecContext(t.ctx,
			`delete from kv_list where key=$1 and pos > $2`, key, items[hi-1].pos); err != nil {
			return err
		}
	}
	return nil
}
