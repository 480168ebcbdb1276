package xp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
)

const (
	baseXP      = 10
	perQuestion = 5
	streakBonus = 10
	streakMin   = 3
)

// CreditInput describes one graded submission. ExplicitXP, when positive,
// replaces the computed amount; the streak bonus applies either way.
type CreditInput struct {
	Score          int
	TotalQuestions int
	ExplicitXP     int64
	Streak         int
}

// Earned computes the XP awarded for in.
func Earned(in CreditInput) int64 {
	amount := in.ExplicitXP
	if amount <= 0 {
		amount = baseXP + int64(math.Round(float64(in.Score)/100*float64(in.TotalQuestions)*perQuestion))
	}
	if in.Streak >= streakMin {
		amount += streakBonus
	}
	return amount
}

// CreditResult is returned by Credit.
type CreditResult struct {
	XPEarned   int64              `json:"xpEarned"`
	TotalXP    int64              `json:"totalXP"`
	WeeklyXP   int64              `json:"weeklyXP"`
	Level      int                `json:"level"`
	LeveledUp  bool               `json:"leveledUp"`
	WeeklyGoal *domain.WeeklyGoal `json:"weeklyGoal,omitempty"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation pins the week boundary to loc.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) {
		if loc != nil {
			l.loc = loc
		}
	}
}

// Ledger credits XP and tracks weekly goals on a kv.Store.
type Ledger struct {
	s   kv.Store
	now func() time.Time
	loc *time.Location
}

func NewLedger(s kv.Store, opts ...Option) *Ledger {
	l := &Ledger{s: s, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func statsKey(userID string) string { return userID + ":xp" }

func goalKey(userID string, weekStart time.Time) string {
	return "xp:goal:" + userID + ":" + strconv.FormatInt(weekStart.UnixMilli(), 10)
}

// Credit adds the earned XP in a single transaction together with the weekly
// reset, the level and the current weekly goal.
func (l *Ledger) Credit(ctx context.Context, userID string, in CreditInput) (CreditResult, error) {
	var res CreditResult
	err := l.s.Update(ctx, func(tx kv.Tx) error {
		var err error
		res, err = l.CreditTx(tx, userID, in)
		return err
	})
	if err != nil {
		return CreditResult{}, err
	}
	l.Committed(res)
	return res, nil
}

// Committed records metrics for a CreditTx result once its transaction committed.
func (l *Ledger) Committed(res CreditResult) {
	obs.XPCredited(res.XPEarned)
}

// CreditTx is Credit inside a caller's transaction, so a response and its XP
// commit together.
func (l *Ledger) CreditTx(tx kv.Tx, userID string, in CreditInput) (CreditResult, error) {
	if userID == "" {
		return CreditResult{}, fmt.Errorf("%w: user id required", domain.ErrInvalidInput)
	}
	earned := Earned(in)
	now := l.now().UTC().Truncate(time.Millisecond)
	week := WeekStart(now, l.loc)
	res := CreditResult{XPEarned: earned}
	key := statsKey(userID)

	prevLevel := 1
	if raw, ok, err := tx.HGet(key, "level"); err != nil {
		return res, err
	} else if ok {
		if n, err := strconv.Atoi(raw); err == nil {
			prevLevel = n
		}
	}
	total, err := tx.HIncrBy(key, "totalXP", earned)
	if err != nil {
		return res, fmt.Errorf("xp: credit %s: %w", userID, err)
	}
	storedWeek, _, err := tx.HGet(key, "weekStart")
	if err != nil {
		return res, err
	}
	if ms, _ := strconv.ParseInt(storedWeek, 10, 64); ms < week.UnixMilli() {
		if err := tx.HSet(key, map[string]string{
			"weeklyXP":  "0",
			"weekStart": strconv.FormatInt(week.UnixMilli(), 10),
		}); err != nil {
			return res, err
		}
	}
	weekly, err := tx.HIncrBy(key, "weeklyXP", earned)
	if err != nil {
		return res, fmt.Errorf("xp: credit %s: %w", userID, err)
	}
	level := Level(total)
	if err := tx.HSet(key, map[string]string{
		"userId":      userID,
		"level":       strconv.Itoa(level),
		"lastUpdated": strconv.FormatInt(now.UnixMilli(), 10),
	}); err != nil {
		return res, err
	}
	res.TotalXP, res.WeeklyXP, res.Level = total, weekly, level
	res.LeveledUp = level > prevLevel

	gk := goalKey(userID, week)
	h, err := tx.HGetAll(gk)
	if err != nil {
		return res, err
	}
	if len(h) == 0 {
		return res, nil
	}
	var goal domain.WeeklyGoal
	if err := codec.Decode(h, &goal); err != nil {
		return res, fmt.Errorf("xp: %s: %w", gk, err)
	}
	goal.CurrentXP += earned
	goal.Completed = goal.CurrentXP >= goal.TargetXP
	flat, err := codec.Encode(goal)
	if err != nil {
		return res, err
	}
	if err := tx.HSet(gk, flat); err != nil {
		return res, err
	}
	res.WeeklyGoal = &goal
	return res, nil
}

// Stats returns the ledger entry, or the zero entry at level 1 for unknown users.
// A weekly total from a past week reads as zero.
func (l *Ledger) Stats(ctx context.Context, userID string) (domain.XPStats, error) {
	h, err := kv.HGetAll(ctx, l.s, statsKey(userID))
	if err != nil {
		return domain.XPStats{}, err
	}
	week := WeekStart(l.now(), l.loc)
	stats := domain.XPStats{UserID: userID, Level: 1, WeekStart: week.UTC()}
	if len(h) == 0 {
		return stats, nil
	}
	if err := codec.Decode(h, &stats); err != nil {
		return stats, fmt.Errorf("xp: stats %s: %w", userID, err)
	}
	stats.UserID = userID
	if stats.WeekStart.Before(week) {
		stats.WeeklyXP = 0
		stats.WeekStart = week.UTC()
	}
	stats.Level = Level(stats.TotalXP)
	return stats, nil
}

// SetWeeklyGoal stores target for the current week, keeping the progress made so far.
func (l *Ledger) SetWeeklyGoal(ctx context.Context, userID string, target int64) (domain.WeeklyGoal, error) {
	if target <= 0 {
		return domain.WeeklyGoal{}, fmt.Errorf("%w: weekly target must be positive", domain.ErrInvalidInput)
	}
	week := WeekStart(l.now(), l.loc)
	gk := goalKey(userID, week)
	goal := domain.WeeklyGoal{UserID: userID, WeekStart: week.UTC()}
	err := l.s.Update(ctx, func(tx kv.Tx) error {
		h, err := tx.HGetAll(gk)
		if err != nil {
			return err
		}
		if len(h) > 0 {
			var prev domain.WeeklyGoal
			if err := codec.Decode(h, &prev); err != nil && !errors.Is(err, codec.ErrCorrupt) {
				return err
			}
			goal.CurrentXP = prev.CurrentXP
		}
		goal.TargetXP = target
		goal.Completed = goal.CurrentXP >= target
		flat, err := codec.Encode(goal)
		if err != nil {
			return err
		}
		return tx.HSet(gk, flat)
	})
	if err != nil {
		return domain.WeeklyGoal{}, fmt.Errorf("xp: set goal %s: %w", userID, err)
	}
	return goal, nil
}

// WeeklyGoal returns the current week's goal or the default one when none is stored.
func (l *Ledger) WeeklyGoal(ctx context.Context, userID string) (domain.WeeklyGoal, error) {
	week := WeekStart(l.now(), l.loc)
	goal := domain.WeeklyGoal{UserID: userID, WeekStart: week.UTC(), TargetXP: domain.DefaultWeeklyTarget}
	h, err := kv.HGetAll(ctx, l.s, goalKey(userID, week))
	if err != nil {
		return goal, err
	}
	if len(h) == 0 {
		return goal, nil
	}
	if err := codec.Decode(h, &goal); err != nil {
		return goal, fmt.Errorf("xp: goal %s: %w", userID, err)
	}
	return goal, nil
}
