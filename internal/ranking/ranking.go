// Package ranking computes parish leaderboards and dashboards from stored responses.
package ranking

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/quiz"
	"catequiz.org/internal/repo"
	"catequiz.org/internal/xp"
)

const fanOut = 8

// Entry is one catechumen's standing in their parish.
type Entry struct {
	UserID       string       `json:"userId"`
	Name         string       `json:"nome"`
	Track        domain.Track `json:"tipo,omitempty"`
	Answered     int          `json:"totalQuizzes"`
	AverageScore float64      `json:"mediaPontuacao"`
	BestScore    int          `json:"melhorPontuacao"`
	Accuracy     float64      `json:"taxaAcerto"`
	TotalXP      int64        `json:"totalXP"`
	Level        int          `json:"level"`
}

// Service reads rankings and dashboards.
type Service struct {
	repos  *repo.Repos
	ledger *xp.Ledger
	quiz   *quiz.Manager
	now    func() time.Time
}

type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repos *repo.Repos, ledger *xp.Ledger, mgr *quiz.Manager, opts ...Option) *Service {
	s := &Service{repos: repos, ledger: ledger, quiz: mgr, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// entryFor summarises one user's responses and ledger.
func (s *Service) entryFor(ctx context.Context, u domain.User) (Entry, error) {
	e := Entry{UserID: u.ID, Name: u.Name, Track: u.Track, Level: 1}
	responses, err := s.repos.Responses.ListByUser(ctx, u.ID)
	if err != nil {
		return e, err
	}
	sum, correct, answered := 0, 0, 0
	for _, r := range responses {
		sum += r.Score
		if r.Score > e.BestScore {
			e.BestScore = r.Score
		}
		correct += r.CorrectCount()
		answered += len(r.Answers)
	}
	e.Answered = len(responses)
	if e.Answered > 0 {
		e.AverageScore = round1(float64(sum) / float64(e.Answered))
	}
	if answered > 0 {
		e.Accuracy = round1(float64(correct) / float64(answered) * 100)
	}
	stats, err := s.ledger.Stats(ctx, u.ID)
	if err != nil {
		return e, err
	}
	e.TotalXP, e.Level = stats.TotalXP, stats.Level
	return e, nil
}

func (s *Service) entries(ctx context.Context, parishID string, track domain.Track) ([]Entry, error) {
	users, err := s.repos.Users.ListByParishAndRole(ctx, parishID, domain.RoleCatechumen)
	if err != nil {
		return nil, err
	}
	if track != "" {
		filtered := users[:0]
		for _, u := range users {
			if u.Track == track {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	out := make([]Entry, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, u := range users {
		g.Go(func() error {
			e, err := s.entryFor(gctx, u)
			out[i] = e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Parish ranks catechumens by average score, then best score, then name.
func (s *Service) Parish(ctx context.Context, parishID string, track domain.Track) ([]Entry, error) {
	out, err := s.entries(ctx, parishID, track)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.AverageScore != b.AverageScore {
			return a.AverageScore > b.AverageScore
		}
		if a.BestScore != b.BestScore {
			return a.BestScore > b.BestScore
		}
		return a.Name < b.Name
	})
	return out, nil
}

// XP ranks catechumens by total XP. limit <= 0 returns everyone.
func (s *Service) XP(ctx context.Context, parishID string, limit int) ([]Entry, error) {
	out, err := s.entries(ctx, parishID, "")
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalXP != out[j].TotalXP {
			return out[i].TotalXP > out[j].TotalXP
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StudentDashboard is what a catechumen sees.
type StudentDashboard struct {
	Answered     int               `json:"totalRespondidos"`
	AverageScore float64           `json:"mediaPontuacao"`
	BestScore    int               `json:"melhorPontuacao"`
	Pending      int               `json:"pendentes"`
	XP           domain.XPStats    `json:"xp"`
	NextLevelAt  int64             `json:"proximoNivelEm"`
	WeeklyGoal   domain.WeeklyGoal `json:"metaSemanal"`
}

// StaffDashboard is what catechists and admins see.
type StaffDashboard struct {
	Quizzes     map[domain.QuizStatus]int `json:"quizzes"`
	QuizTotal   int                       `json:"totalQuizzes"`
	Catechumens int                       `json:"catequizandos"`
	Catechists  int                       `json:"catequistas"`
	Responses   int                       `json:"respostas"`
	Closed      int                       `json:"encerradosAgora"`
}

// Dashboard closes expired quizzes of the caller's parish and returns the
// view matching their role: a *StudentDashboard or a *StaffDashboard.
func (s *Service) Dashboard(ctx context.Context, sess auth.Session) (any, error) {
	sweep, err := s.quiz.SweepExpired(ctx, sess.ParishID, s.now())
	if err != nil {
		return nil, err
	}
	if !sess.IsStaff() {
		return s.student(ctx, sess)
	}
	return s.staff(ctx, sess, sweep.Closed)
}

func (s *Service) student(ctx context.Context, sess auth.Session) (*StudentDashboard, error) {
	d := &StudentDashboard{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		responses, err := s.repos.Responses.ListByUser(gctx, sess.UserID)
		if err != nil {
			return err
		}
		sum := 0
		for _, r := range responses {
			sum += r.Score
			if r.Score > d.BestScore {
				d.BestScore = r.Score
			}
		}
		d.Answered = len(responses)
		if d.Answered > 0 {
			d.AverageScore = round1(float64(sum) / float64(d.Answered))
		}
		return nil
	})
	g.Go(func() error {
		pending, err := s.quiz.PendingForUser(gctx, sess)
		d.Pending = len(pending)
		return err
	})
	g.Go(func() error {
		stats, err := s.ledger.Stats(gctx, sess.UserID)
		d.XP = stats
		d.NextLevelAt = xp.NextLevelAt(stats.Level)
		return err
	})
	g.Go(func() error {
		goal, err := s.ledger.WeeklyGoal(gctx, sess.UserID)
		d.WeeklyGoal = goal
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) staff(ctx context.Context, sess auth.Session, closed int) (*StaffDashboard, error) {
	d := &StaffDashboard{Quizzes: map[domain.QuizStatus]int{}, Closed: closed}
	quizzes, err := s.quiz.ListForParish(ctx, sess, quiz.Filter{})
	if err != nil {
		return nil, err
	}
	d.QuizTotal = len(quizzes)
	counts := make([]int, len(quizzes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, q := range quizzes {
		d.Quizzes[q.Status]++
		g.Go(func() error {
			n, err := s.repos.Responses.CountByQuiz(gctx, q.ID)
			counts[i] = n
			return err
		})
	}
	g.Go(func() error {
		users, err := s.repos.Users.ListByParish(gctx, sess.ParishID)
		if err != nil {
			return err
		}
		for _, u := range users {
			switch u.Role {
			case domain.RoleCatechumen:
				d.Catechumens++
			case domain.RoleCatechist:
				d.Catechists++
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, n := range counts {
		d.Responses += n
	}
	return d, nil
}
