// Package kvtest holds the behaviour every kv.Store backend must share.
package kvtest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/kv"
)

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) kv.Store) {
	t.Run("HashRoundTrip", func(t *testing.T) { testHash(t, open(t)) })
	t.Run("Sets", func(t *testing.T) { testSets(t, open(t)) })
	t.Run("Lists", func(t *testing.T) { testLists(t, open(t)) })
	t.Run("DelAllTypes", func(t *testing.T) { testDel(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("IncrConcurrent", func(t *testing.T) { testIncr(t, open(t)) })
}

func testHash(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet("quiz:1", map[string]string{"titulo": "Sacramentos", "status": "pendente"})
	}))

	got, err := kv.HGetAll(ctx, s, "quiz:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"titulo": "Sacramentos", "status": "pendente"}, got)

	missing, err := kv.HGetAll(ctx, s, "quiz:404")
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.HDel("quiz:1", "status"); err != nil {
			return err
		}
		v, ok, err := tx.HGet("quiz:1", "titulo")
		require.True(t, ok)
		assert.Equal(t, "Sacramentos", v)
		return err
	}))
	got, err = kv.HGetAll(ctx, s, "quiz:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"titulo": "Sacramentos"}, got)

	err = s.Update(ctx, func(tx kv.Tx) error {
		_, err := tx.HIncrBy("quiz:1", "titulo", 1)
		return err
	})
	assert.ErrorIs(t, err, kv.ErrNotInteger)
}

func testSets(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		return tx.SAdd("parish:1:quizzes", "quiz:b", "quiz:a", "quiz:b")
	}))
	members, err := kv.SMembers(ctx, s, "parish:1:quizzes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"quiz:a", "quiz:b"}, members)

	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		return tx.SRem("parish:1:quizzes", "quiz:a", "quiz:zzz")
	}))
	require.NoError(t, s.View(ctx, func(r kv.Reader) error {
		in, err := r.SIsMember("parish:1:quizzes", "quiz:b")
		require.NoError(t, err)
		assert.True(t, in)
		in, err = r.SIsMember("parish:1:quizzes", "quiz:a")
		require.NoError(t, err)
		assert.False(t, in)
		return nil
	}))
}

func testLists(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.LPush("system:errors", "e1", "e2"); err != nil {
			return err
		}
		return tx.LPush("system:errors", "e3")
	}))
	require.NoError(t, s.View(ctx, func(r kv.Reader) error {
		all, err := r.LRange("system:errors", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e2", "e1"}, all)
		tail, err := r.LRange("system:errors", -2, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"e2", "e1"}, tail)
		return nil
	}))
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		return tx.LTrim("system:errors", 0, 1)
	}))
	require.NoError(t, s.View(ctx, func(r kv.Reader) error {
		all, err := r.LRange("system:errors", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e2"}, all)
		return nil
	}))
}

func testDel(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.HSet("k", map[string]string{"a": "1"}); err != nil {
			return err
		}
		if err := tx.SAdd("k", "m"); err != nil {
			return err
		}
		return tx.LPush("k", "v")
	}))
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error { return tx.Del("k") }))
	require.NoError(t, s.View(ctx, func(r kv.Reader) error {
		ok, err := r.Exists("k")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
}

func testRollback(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet("invite:1", map[string]string{"usado": "false"})
	}))
	boom := errors.New("boom")
	err := s.Update(ctx, func(tx kv.Tx) error {
		if err := tx.HSet("invite:1", map[string]string{"usado": "true"}); err != nil {
			return err
		}
		if err := tx.SAdd("parish:1:users", "user:1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := kv.HGetAll(ctx, s, "invite:1")
	require.NoError(t, err)
	assert.Equal(t, "false", got["usado"])
	members, err := kv.SMembers(ctx, s, "parish:1:users")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testIncr(t *testing.T, s kv.Store) {
	ctx := context.Background()
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, func(tx kv.Tx) error {
				_, err := tx.HIncrBy("user:1:xp", "totalXP", 5)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := kv.HGetAll(ctx, s, "user:1:xp")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*5), got["totalXP"])
}
