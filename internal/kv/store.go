// Package kv defines the hash/set/list store every repository persists through.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotInteger is returned by HIncrBy when the stored field is not an integer.
	ErrNotInteger = errors.New("kv: value is not an integer")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("kv: store closed")
	// ErrConflict is returned when a transaction keeps conflicting after retries.
	ErrConflict = errors.New("kv: transaction conflict")
)

// MaxRetries bounds how often backends rerun a conflicting Update.
const MaxRetries = 10

// Reader is the read half of a transaction. Missing keys read as empty values.
type Reader interface {
	HGetAll(key string) (map[string]string, error)
	HGet(key, field string) (string, bool, error)
	SMembers(key string) ([]string, error)
	SIsMember(key, member string) (bool, error)
	Exists(key string) (bool, error)
	LRange(key string, start, stop int) ([]string, error)
}

// Tx groups writes that are applied all together or not at all.
type Tx interface {
	Reader
	HSet(key string, fields map[string]string) error
	HDel(key string, fields ...string) error
	HIncrBy(key, field string, delta int64) (int64, error)
	Del(keys ...string) error
	SAdd(key string, members ...string) error
	SRem(key string, members ...string) error
	LPush(key string, values ...string) error
	LTrim(key string, start, stop int) error
}

// Store is implemented by the memory, badger and postgres backends.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// HGetAll is a one-shot read outside an explicit transaction.
func HGetAll(ctx context.Context, s Store, key string) (map[string]string, error) {
	var out map[string]string
	err := s.View(ctx, func(r Reader) error {
		var err error
		out, err = r.HGetAll(key)
		return err
	})
	return out, err
}

// SMembers is a one-shot read outside an explicit transaction.
func SMembers(ctx context.Context, s Store, key string) ([]string, error) {
	var out []string
	err := s.View(ctx, func(r Reader) error {
		var err error
		out, err = r.SMembers(key)
		return err
	})
	return out, err
}

// Span converts Redis style inclusive start/stop indexes into a slice range over n items.
// ok is false when the range selects nothing.
func Span(n, start, stop int) (lo, hi int, ok bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
