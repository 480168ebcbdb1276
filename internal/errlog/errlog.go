// Package errlog journals internal failures so users can quote an error id.
package errlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
)

const (
	listKey = "system:errors"
	// MaxEntries bounds the journal list; older ids are trimmed.
	MaxEntries = 1000
)

// Entry is one journaled error.
type Entry struct {
	ID        string         `kv:"id" json:"id"`
	Message   string         `kv:"mensagem" json:"mensagem"`
	Kind      string         `kv:"tipo" json:"tipo"`
	Context   map[string]any `kv:"contexto" json:"contexto"`
	RequestID string         `kv:"requestId,omitempty" json:"requestId,omitempty"`
	At        time.Time      `kv:"timestamp" json:"timestamp"`
}

// Journal stores entries on a kv.Store.
type Journal struct {
	s   kv.Store
	now func() time.Time
}

func New(s kv.Store) *Journal {
	return &Journal{s: s, now: time.Now}
}

// Kind classifies err by the sentinel it wraps.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrCorrupt):
		return "corrupt"
	case errors.Is(err, domain.ErrGeneration):
		return "generation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, kv.ErrConflict):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, kv.ErrClosed):
		return "storage"
	}
	return "internal"
}

// Record journals err and returns the id to show to the user. Storage
// failures are logged and still yield an id.
func (j *Journal) Record(ctx context.Context, err error, fields map[string]any) string {
	at := j.now().UTC().Truncate(time.Millisecond)
	e := Entry{
		ID:        ids.NewAt(ids.Error, at),
		Kind:      Kind(err),
		Context:   fields,
		RequestID: audit.RequestIDFromContext(ctx),
		At:        at,
	}
	if err != nil {
		e.Message = err.Error()
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	obs.Log("error", "internal error", map[string]any{
		"error_id": e.ID, "kind": e.Kind, "error": e.Message, "request_id": e.RequestID, "context": e.Context,
	})
	// the request may already be cancelled; the journal write should still land
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	werr := j.s.Update(wctx, func(tx kv.Tx) error {
		flat, err := codec.Encode(e)
		if err != nil {
			return err
		}
		if err := tx.HSet(e.ID, flat); err != nil {
			return err
		}
		if err := tx.LPush(listKey, e.ID); err != nil {
			return err
		}
		evicted, err := tx.LRange(listKey, MaxEntries, -1)
		if err != nil {
			return err
		}
		if len(evicted) > 0 {
			if err := tx.Del(evicted...); err != nil {
				return err
			}
		}
		return tx.LTrim(listKey, 0, MaxEntries-1)
	})
	if werr != nil {
		obs.Log("warn", "error journal write failed", map[string]any{"error_id": e.ID, "error": werr})
	}
	return e.ID
}

// Recent returns up to n entries, newest first. Trimmed or unreadable entries are skipped.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 || n > MaxEntries {
		n = MaxEntries
	}
	var out []Entry
	err := j.s.View(ctx, func(r kv.Reader) error {
		idList, err := r.LRange(listKey, 0, n-1)
		if err != nil {
			return err
		}
		out = make([]Entry, 0, len(idList))
		for _, id := range idList {
			h, err := r.HGetAll(id)
			if err != nil {
				return err
			}
			if len(h) == 0 {
				continue
			}
			var e Entry
			if err := codec.Decode(h, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("errlog: recent: %w", err)
	}
	return out, nil
}

// Stats summarises the journal since a point in time.
type Stats struct {
	Total  int            `json:"total"`
	ByKind map[string]int `json:"porTipo"`
	Since  time.Time      `json:"desde"`
}

func (j *Journal) Stats(ctx context.Context, since time.Time) (Stats, error) {
	entries, err := j.Recent(ctx, MaxEntries)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByKind: map[string]int{}, Since: since}
	for _, e := range entries {
		if e.At.Before(since) {
			continue
		}
		st.Total++
		st.ByKind[e.Kind]++
	}
	return st, nil
}
