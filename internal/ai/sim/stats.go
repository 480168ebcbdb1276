package sim

import "sync"

// Counter aggregates submissions from concurrent workers.
type Counter struct {
	mu          sync.Mutex
	Submissions int
	Repeats     int
	TotalScore  int
	TotalXP     int64
	LevelUps    int
	Failures    map[int]int
}

// Add records one accepted submission.
func (c *Counter) Add(score int, xp int64, repeat, leveledUp bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Submissions++
	c.TotalScore += score
	c.TotalXP += xp
	if repeat {
		c.Repeats++
	}
	if leveledUp {
		c.LevelUps++
	}
}

// Fail records a rejected request by status code.
func (c *Counter) Fail(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Failures == nil {
		c.Failures = map[int]int{}
	}
	c.Failures[status]++
}

// Snapshot is a copy of the counters safe to read.
type Snapshot struct {
	Submissions  int
	Repeats      int
	AverageScore float64
	TotalXP      int64
	LevelUps     int
	Failures     map[int]int
}

func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Submissions: c.Submissions,
		Repeats:     c.Repeats,
		TotalXP:     c.TotalXP,
		LevelUps:    c.LevelUps,
		Failures:    map[int]int{},
	}
	if c.Submissions > 0 {
		s.AverageScore = float64(c.TotalScore) / float64(c.Submissions)
	}
	for k, v := range c.Failures {
		s.Failures[k] = v
	}
	return s
}
