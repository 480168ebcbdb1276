package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/kv"
	"catequiz.org/internal/kv/kvtest"
)

func TestMemoryConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return kv.NewMemory() })
}

func TestMemoryClosed(t *testing.T) {
	s := kv.NewMemory()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), kv.ErrClosed)
	err := s.Update(context.Background(), func(kv.Tx) error { return nil })
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func TestSpan(t *testing.T) {
	cases := []struct {
		n, start, stop int
		lo, hi         int
		ok             bool
	}{
		{5, 0, -1, 0, 5, true},
		{5, 1, 2, 1, 3, true},
		{5, -2, -1, 3, 5, true},
		{5, 3, 100, 3, 5, true},
		{5, 4, 2, 0, 0, false},
		{0, 0, -1, 0, 0, false},
		{3, 5, 9, 0, 0, false},
	}
	for _, c := range cases {
		lo, hi, ok := kv.Span(c.n, c.start, c.stop)
		assert.Equal(t, c.ok, ok, "n=%d start=%d stop=%d", c.n, c.start, c.stop)
		if ok {
			assert.Equal(t, []int{c.lo, c.hi}, []int{lo, hi})
		}
	}
}
