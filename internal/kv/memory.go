package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Memory implements Store with in-process maps.
type Memory struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	closed bool
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
	}
}

func (m *Memory) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{m: m})
}

// Update runs fn under the write lock. Keys touched by fn are restored if it fails.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTx{m: m, undo: make(map[string]snapshot)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type snapshot struct {
	hash map[string]string
	set  map[string]struct{}
	list []string
}

type memTx struct {
	m    *Memory
	undo map[string]snapshot // nil for read-only views
}

// touch records the pre-transaction state of key once.
func (t *memTx) touch(key string) {
	if _, done := t.undo[key]; done {
		return
	}
	var s snapshot
	if h, ok := t.m.hashes[key]; ok {
		s.hash = make(map[string]string, len(h))
		for k, v := range h {
			s.hash[k] = v
		}
	}
	if set, ok := t.m.sets[key]; ok {
		s.set = make(map[string]struct{}, len(set))
		for k := range set {
			s.set[k] = struct{}{}
		}
	}
	if l, ok := t.m.lists[key]; ok {
		s.list = append([]string(nil), l...)
	}
	t.undo[key] = s
}

func (t *memTx) rollback() {
	for key, s := range t.undo {
		delete(t.m.hashes, key)
		delete(t.m.sets, key)
		delete(t.m.lists, key)
		if s.hash != nil {
			t.m.hashes[key] = s.hash
		}
		if s.set != nil {
			t.m.sets[key] = s.set
		}
		if s.list != nil {
			t.m.lists[key] = s.list
		}
	}
}

func (t *memTx) HGetAll(key string) (map[string]string, error) {
	h := t.m.hashes[key]
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (t *memTx) HGet(key, field string) (string, bool, error) {
	v, ok := t.m.hashes[key][field]
	return v, ok, nil
}

func (t *memTx) SMembers(key string) ([]string, error) {
	set := t.m.sets[key]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) SIsMember(key, member string) (bool, error) {
	_, ok := t.m.sets[key][member]
	return ok, nil
}

func (t *memTx) Exists(key string) (bool, error) {
	if len(t.m.hashes[key]) > 0 || len(t.m.sets[key]) > 0 || len(t.m.lists[key]) > 0 {
		return true, nil
	}
	return false, nil
}

func (t *memTx) LRange(key string, start, stop int) ([]string, error) {
	l := t.m.lists[key]
	lo, hi, ok := Span(len(l), start, stop)
	if !ok {
		return []string{}, nil
	}
	return append([]string(nil), l[lo:hi]...), nil
}

func (t *memTx) HSet(key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	t.touch(key)
	h, ok := t.m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		t.m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (t *memTx) HDel(key string, fields ...string) error {
	t.touch(key)
	h := t.m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(t.m.hashes, key)
	}
	return nil
}

func (t *memTx) HIncrBy(key, field string, delta int64) (int64, error) {
	var cur int64
	if raw, ok := t.m.hashes[key][field]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = v
	}
	cur += delta
	if err := t.HSet(key, map[string]string{field: strconv.FormatInt(cur, 10)}); err != nil {
		return 0, err
	}
	return cur, nil
}

func (t *memTx) Del(keys ...string) error {
	for _, key := range keys {
		t.touch(key)
		delete(t.m.hashes, key)
		delete(t.m.sets, key)
		delete(t.m.lists, key)
	}
	return nil
}

func (t *memTx) SAdd(key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	t.touch(key)
	set, ok := t.m.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		t.m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (t *memTx) SRem(key string, members ...string) error {
	t.touch(key)
	set := t.m.sets[key]
	for _, mem := range members {
		delete(set, mem)
	}
	if len(set) == 0 {
		delete(t.m.sets, key)
	}
	return nil
}

func (t *memTx) LPush(key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	t.touch(key)
	cur := t.m.lists[key]
	next := make([]string, 0, len(cur)+len(values))
	for i := len(values) - 1; i >= 0; i-- {
		next = append(next, values[i])
	}
	t.m.lists[key] = append(next, cur...)
	return nil
}

func (t *memTx) LTrim(key string, start, stop int) error {
	t.touch(key)
	l := t.m.lists[key]
	lo, hi, ok := Span(len(l), start, stop)
	if !ok {
		delete(t.m.lists, key)
		return nil
	}
	t.m.lists[key] = append([]string(nil), l[lo:hi]...)
	return nil
}
