// Package badgerkv backs kv.Store with an embedded BadgerDB instance.
//
// Layout inside badger:
//
//	h\x00<key>\x00<field>  hash field
//	s\x00<key>\x00<member> set member (empty value)
//	l\x00<key>             list, JSON array
package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
)

// Config holds configuration for a badger-backed store.
type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM; used by tests and the dev profile.
	InMemory bool
	// SyncWrites fsyncs each commit.
	SyncWrites bool
	// GCInterval controls value log GC. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio that triggers a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns durable settings for a data directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for an ephemeral store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store implements kv.Store on top of badger transactions.
type Store struct {
	db     *badger.DB
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ kv.Store = (*Store)(nil)

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badgerkv: path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				obs.Log("warn", "badger value log gc failed", map[string]any{"error": err})
			}
		}
	}
}

func (s *Store) View(ctx context.Context, fn func(kv.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return kv.ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&tx{txn: txn})
	})
}

// Update retries fn when badger reports a read/write conflict at commit.
func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	if s.db.IsClosed() {
		return kv.ErrClosed
	}
	for attempt := 0; attempt < kv.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			return fn(&tx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return kv.ErrConflict
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return kv.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

const sep = "\x00"

func hashPrefix(key string) []byte { return []byte("h" + sep + key + sep) }
func setPrefix(key string) []byte  { return []byte("s" + sep + key + sep) }
func listKey(key string) []byte    { return []byte("l" + sep + key) }

type tx struct {
	txn *badger.Txn
}

// scan returns suffixes (and values when withValues is set) under prefix.
func (t *tx) scan(prefix []byte, withValues bool) ([]string, []string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var keys, values []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		keys = append(keys, string(item.Key()[len(prefix):]))
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return nil, nil, err
			}
			values = append(values, string(v))
		}
	}
	return keys, values, nil
}

func (t *tx) HGetAll(key string) (map[string]string, error) {
	fields, values, err := t.scan(hashPrefix(key), true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, f := range fields {
		out[f] = values[i]
	}
	return out, nil
}

func (t *tx) HGet(key, field string) (string, bool, error) {
	item, err := t.txn.Get(append(hashPrefix(key), field...))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

func (t *tx) SMembers(key string) ([]string, error) {
	members, _, err := t.scan(setPrefix(key), false)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return members, nil
}

func (t *tx) SIsMember(key, member string) (bool, error) {
	_, err := t.txn.Get(append(setPrefix(key), member...))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) Exists(key string) (bool, error) {
	for _, p := range [][]byte{hashPrefix(key), setPrefix(key)} {
		found, _, err := t.scan(p, false)
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	l, err := t.list(key)
	if err != nil {
		return false, err
	}
	return len(l) > 0, nil
}

func (t *tx) list(key string) ([]string, error) {
	item, err := t.txn.Get(listKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	})
	return out, err
}

func (t *tx) putList(key string, l []string) error {
	if len(l) == 0 {
		return t.txn.Delete(listKey(key))
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return t.txn.Set(listKey(key), data)
}

func (t *tx) LRange(key string, start, stop int) ([]string, error) {
	l, err := t.list(key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := kv.Span(len(l), start, stop)
	if !ok {
		return []string{}, nil
	}
	return l[lo:hi], nil
}

func (t *tx) HSet(key string, fields map[string]string) error {
	prefix := hashPrefix(key)
	for f, v := range fields {
		if err := t.txn.Set(append(append([]byte(nil), prefix...), f...), []byte(v)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HDel(key string, fields ...string) error {
	prefix := hashPrefix(key)
	for _, f := range fields {
		if err := t.txn.Delete(append(append([]byte(nil), prefix...), f...)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) HIncrBy(key, field string, delta int64) (int64, error) {
	raw, ok, err := t.HGet(key, field)
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		cur, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, kv.ErrNotInteger
		}
	}
	cur += delta
	return cur, t.HSet(key, map[string]string{field: strconv.FormatInt(cur, 10)})
}

func (t *tx) Del(keys ...string) error {
	for _, key := range keys {
		for _, p := range [][]byte{hashPrefix(key), setPrefix(key)} {
			suffixes, _, err := t.scan(p, false)
			if err != nil {
				return err
			}
			for _, sfx := range suffixes {
				if err := t.txn.Delete(append(append([]byte(nil), p...), sfx...)); err != nil {
					return err
				}
			}
		}
		if err := t.txn.Delete(listKey(key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) SAdd(key string, members ...string) error {
	prefix := setPrefix(key)
	for _, m := range members {
		if err := t.txn.Set(append(append([]byte(nil), prefix...), m...), nil); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) SRem(key string, members ...string) error {
	prefix := setPrefix(key)
	for _, m := range members {
		if err := t.txn.Delete(append(append([]byte(nil), prefix...), m...)); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) LPush(key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	cur, err := t.list(key)
	if err != nil {
		return err
	}
	next := make([]string, 0, len(cur)+len(values))
	for i := len(values) - 1; i >= 0; i-- {
		next = append(next, values[i])
	}
	return t.putList(key, append(next, cur...))
}

func (t *tx) LTrim(key string, start, stop int) error {
	cur, err := t.list(key)
	if err != nil {
		return err
	}
	lo, hi, ok := kv.Span(len(cur), start, stop)
	if !ok {
		return t.putList(key, nil)
	}
	return t.putList(key, cur[lo:hi])
}

// badgerLogger routes badger's internal logging into the JSON log stream.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	obs.Log("error", fmt.Sprintf(format, args...), map[string]any{"component": "badger"})
}

func (badgerLogger) Warningf(format string, args ...any) {
	obs.Log("warn", fmt.Sprintf(format, args...), map[string]any{"component": "badger"})
}

func (badgerLogger) Infof(format string, args ...any) {
	obs.Log("debug", fmt.Sprintf(format, args...), map[string]any{"component": "badger"})
}

func (badgerLogger) Debugf(format string, args ...any) {
	obs.Log("debug", fmt.Sprintf(format, args...), map[string]any{"component": "badger"})
}
