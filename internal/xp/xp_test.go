package xp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/xp"
)

func TestLevel(t *testing.T) {
	cases := []struct {
		total int64
		want  int
	}{
		{0, 1}, {99, 1}, {100, 2}, {299, 2}, {300, 3}, {600, 4}, {1000, 5},
		{1500, 6}, {2100, 7}, {2800, 8}, {3600, 9}, {4499, 9}, {4500, 9}, {5499, 9}, {5500, 10}, {7500, 12},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, xp.Level(tc.total), "level(%d)", tc.total)
	}
}

func TestNextLevelAt(t *testing.T) {
	assert.EqualValues(t, 100, xp.NextLevelAt(1))
	assert.EqualValues(t, 3600, xp.NextLevelAt(8))
	assert.EqualValues(t, 5500, xp.NextLevelAt(9))
	assert.EqualValues(t, 6500, xp.NextLevelAt(10))
	for level := 1; level < 14; level++ {
		assert.Equal(t, level+1, xp.Level(xp.NextLevelAt(level)), "boundary of level %d", level)
	}
}

func TestWeekStart(t *testing.T) {
	// Wednesday 2024-04-10 15:00 UTC
	wed := time.Date(2024, 4, 10, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 4, 7, 0, 0, 0, 0, time.UTC), xp.WeekStart(wed, time.UTC))

	sunday := time.Date(2024, 4, 7, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, sunday, xp.WeekStart(sunday, time.UTC))

	// 01:00 UTC Sunday is still Saturday evening in São Paulo.
	sp := time.FixedZone("BRT", -3*3600)
	got := xp.WeekStart(time.Date(2024, 4, 7, 1, 0, 0, 0, time.UTC), sp)
	assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, sp), got)
}

func TestEarned(t *testing.T) {
	assert.EqualValues(t, 70, xp.Earned(xp.CreditInput{Score: 80, TotalQuestions: 15}))
	assert.EqualValues(t, 85, xp.Earned(xp.CreditInput{Score: 100, TotalQuestions: 15}))
	assert.EqualValues(t, 95, xp.Earned(xp.CreditInput{Score: 100, TotalQuestions: 15, Streak: 3}))
	assert.EqualValues(t, 50, xp.Earned(xp.CreditInput{ExplicitXP: 50}))
	assert.EqualValues(t, 10, xp.Earned(xp.CreditInput{}))
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newLedger(t *testing.T, c *clock) *xp.Ledger {
	t.Helper()
	s := kv.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	return xp.NewLedger(s, xp.WithClock(c.now))
}

func TestStatsUnknownUser(t *testing.T) {
	c := &clock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, c)
	stats, err := l.Stats(context.Background(), "user:nobody")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Level)
	assert.Zero(t, stats.TotalXP)
}

func TestCreditAccumulatesAndLevelsUp(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, c)

	res, err := l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 60})
	require.NoError(t, err)
	assert.EqualValues(t, 60, res.TotalXP)
	assert.False(t, res.LeveledUp)

	res, err = l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 50})
	require.NoError(t, err)
	assert.EqualValues(t, 110, res.TotalXP)
	assert.EqualValues(t, 110, res.WeeklyXP)
	assert.Equal(t, 2, res.Level)
	assert.True(t, res.LeveledUp)
	assert.Nil(t, res.WeeklyGoal)

	stats, err := l.Stats(ctx, "user:a")
	require.NoError(t, err)
	assert.EqualValues(t, 110, stats.TotalXP)
	assert.Equal(t, 2, stats.Level)
}

func TestWeeklyXPResetsOnNewWeek(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, c)

	_, err := l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 40})
	require.NoError(t, err)

	c.t = c.t.Add(7 * 24 * time.Hour)
	stats, err := l.Stats(ctx, "user:a")
	require.NoError(t, err)
	assert.Zero(t, stats.WeeklyXP, "stale week reads as zero")

	res, err := l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 25})
	require.NoError(t, err)
	assert.EqualValues(t, 65, res.TotalXP)
	assert.EqualValues(t, 25, res.WeeklyXP)
}

func TestWeeklyGoalCompletion(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)}
	l := newLedger(t, c)

	goal, err := l.WeeklyGoal(ctx, "user:a")
	require.NoError(t, err)
	assert.EqualValues(t, domain.DefaultWeeklyTarget, goal.TargetXP)
	assert.False(t, goal.Completed)

	_, err = l.SetWeeklyGoal(ctx, "user:a", 100)
	require.NoError(t, err)

	res, err := l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 60})
	require.NoError(t, err)
	require.NotNil(t, res.WeeklyGoal)
	assert.EqualValues(t, 60, res.WeeklyGoal.CurrentXP)
	assert.False(t, res.WeeklyGoal.Completed)

	res, err = l.Credit(ctx, "user:a", xp.CreditInput{ExplicitXP: 50})
	require.NoError(t, err)
	require.NotNil(t, res.WeeklyGoal)
	assert.EqualValues(t, 110, res.WeeklyGoal.CurrentXP)
	assert.True(t, res.WeeklyGoal.Completed)

	// a new target keeps the progress
	goal, err = l.SetWeeklyGoal(ctx, "user:a", 200)
	require.NoError(t, err)
	assert.EqualValues(t, 110, goal.CurrentXP)
	assert.False(t, goal.Completed)

	_, err = l.SetWeeklyGoal(ctx, "user:a", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
