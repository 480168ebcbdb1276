package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/ids"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/obs"
	"catequiz.org/internal/repo"
)

// Creator is the public part of a quiz author's profile.
type Creator struct {
	ID   string      `json:"id"`
	Name string      `json:"nome"`
	Role domain.Role `json:"role"`
}

// QuizDiagnosis describes one stored quiz without modifying it.
type QuizDiagnosis struct {
	ID            string         `json:"id"`
	Exists        bool           `json:"exists"`
	Loaded        bool           `json:"loaded"`
	ParishID      string         `json:"parishId,omitempty"`
	Raw           map[string]any `json:"raw,omitempty"`
	DecodeErrors  []string       `json:"decodeErrors,omitempty"`
	Questions     int            `json:"questions"`
	ResponseCount int            `json:"responseCount"`
	Creator       *Creator       `json:"creator,omitempty"`
	NeedsRepair   bool           `json:"needsRepair"`
}

func (r *Repairer) DiagnoseQuiz(ctx context.Context, id string) (QuizDiagnosis, error) {
	d := QuizDiagnosis{ID: id}
	h, err := r.repos.Quizzes.RawHash(ctx, id)
	if err != nil {
		return d, err
	}
	if len(h) == 0 {
		return d, nil
	}
	d.Exists = true
	d.ParishID = h["parishId"]
	d.Raw = codec.Loose(h)
	d.NeedsRepair = NeedsRepair(h)

	var q domain.Quiz
	if err := codec.Decode(h, &q); err != nil {
		var de *codec.DecodeError
		if errors.As(err, &de) {
			for _, name := range de.FieldNames() {
				d.DecodeErrors = append(d.DecodeErrors, fmt.Sprintf("%s: %v", name, de.Fields[name]))
			}
		}
	} else {
		d.Loaded = true
	}
	d.Questions = len(q.Questions)
	if d.ResponseCount, err = r.repos.Responses.CountByQuiz(ctx, id); err != nil {
		return d, err
	}
	if ids.Has(q.CreatedBy, ids.User) {
		if u, err := r.repos.Users.Get(ctx, q.CreatedBy); err == nil {
			d.Creator = &Creator{ID: u.ID, Name: u.Name, Role: u.Role}
		}
	}
	return d, nil
}

// QuizSummary is one line of DiagnoseQuizzes.
type QuizSummary struct {
	ID          string            `json:"id"`
	Title       string            `json:"titulo"`
	Status      domain.QuizStatus `json:"status"`
	Track       domain.Track      `json:"tipo"`
	Questions   int               `json:"questions"`
	Responses   int               `json:"responses"`
	Expired     bool              `json:"expired"`
	NeedsRepair bool              `json:"needsRepair"`
}

// QuizzesDiagnosis summarises every quiz referenced by a parish.
type QuizzesDiagnosis struct {
	ParishID   string                    `json:"parishId"`
	Total      int                       `json:"total"`
	ByStatus   map[domain.QuizStatus]int `json:"byStatus"`
	ByTrack    map[domain.Track]int      `json:"byTrack"`
	Expired    int                       `json:"expired"`
	Quizzes    []QuizSummary             `json:"quizzes"`
	Dangling   []string                  `json:"dangling"`
	Unreadable []string                  `json:"unreadable"`
}

func (r *Repairer) DiagnoseQuizzes(ctx context.Context, parishID string) (QuizzesDiagnosis, error) {
	d := QuizzesDiagnosis{
		ParishID: parishID,
		ByStatus: map[domain.QuizStatus]int{},
		ByTrack:  map[domain.Track]int{},
		Quizzes:  []QuizSummary{},
	}
	idList, err := r.repos.Quizzes.IDsByParish(ctx, parishID)
	if err != nil {
		return d, err
	}
	now := r.now()
	for _, id := range idList {
		h, err := r.repos.Quizzes.RawHash(ctx, id)
		if err != nil {
			return d, err
		}
		if len(h) == 0 {
			d.Dangling = append(d.Dangling, id)
			continue
		}
		d.Total++
		var q domain.Quiz
		if err := codec.Decode(h, &q); err != nil {
			d.Unreadable = append(d.Unreadable, id)
		}
		status := q.EffectiveStatus(now)
		n, err := r.repos.Responses.CountByQuiz(ctx, id)
		if err != nil {
			return d, err
		}
		s := QuizSummary{
			ID: id, Title: q.Title, Status: status, Track: q.Track,
			Questions: len(q.Questions), Responses: n, Expired: q.Expired(now), NeedsRepair: NeedsRepair(h),
		}
		d.ByStatus[status]++
		d.ByTrack[q.Track]++
		if s.Expired {
			d.Expired++
		}
		d.Quizzes = append(d.Quizzes, s)
	}
	sort.Slice(d.Quizzes, func(i, j int) bool { return d.Quizzes[i].ID > d.Quizzes[j].ID })
	return d, nil
}

// UsersDiagnosis reports parish membership and its consistency.
type UsersDiagnosis struct {
	ParishID          string               `json:"parishId"`
	Total             int                  `json:"total"`
	ByRole            map[domain.Role]int  `json:"byRole"`
	CatechistsByTrack map[domain.Track]int `json:"catechistsByTrack"`
	SetIDs            []string             `json:"setIds"`
	Dangling          []string             `json:"dangling"`
	Misplaced         []string             `json:"misplaced"`
}

func (r *Repairer) DiagnoseUsers(ctx context.Context, parishID string) (UsersDiagnosis, error) {
	d := UsersDiagnosis{
		ParishID:          parishID,
		ByRole:            map[domain.Role]int{},
		CatechistsByTrack: map[domain.Track]int{},
	}
	idList, err := r.repos.Users.IDsByParish(ctx, parishID)
	if err != nil {
		return d, err
	}
	sort.Strings(idList)
	d.SetIDs = idList
	for _, id := range idList {
		u, err := r.repos.Users.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			d.Dangling = append(d.Dangling, id)
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrCorrupt) {
			return d, err
		}
		d.Total++
		d.ByRole[u.Role]++
		if u.Role == domain.RoleCatechist {
			d.CatechistsByTrack[u.Track]++
		}
		if u.ParishID != parishID {
			d.Misplaced = append(d.Misplaced, id)
		}
	}
	return d, nil
}

// AttachUserToParish adds the user to the parish member set without touching the user hash.
func (r *Repairer) AttachUserToParish(ctx context.Context, userID, parishID string) error {
	err := r.repos.Update(ctx, func(tx kv.Tx) error {
		exists, err := tx.Exists(userID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
		}
		return tx.SAdd(repo.ParishUsersKey(parishID), userID)
	})
	r.done(ctx, "user.attach", err, map[string]any{"user_id": userID, "parish_id": parishID})
	return err
}

// DetachUserFromParish removes the user from the parish member set.
func (r *Repairer) DetachUserFromParish(ctx context.Context, userID, parishID string) error {
	err := r.repos.Update(ctx, func(tx kv.Tx) error {
		return tx.SRem(repo.ParishUsersKey(parishID), userID)
	})
	r.done(ctx, "user.detach", err, map[string]any{"user_id": userID, "parish_id": parishID})
	return err
}

// ConvertRole switches a user between catechist and catechumen. Admin is
// neither a valid source nor a valid target.
func (r *Repairer) ConvertRole(ctx context.Context, userID string, role domain.Role) (domain.User, error) {
	if role != domain.RoleCatechist && role != domain.RoleCatechumen {
		return domain.User{}, fmt.Errorf("%w: papel %q não pode ser atribuído", domain.ErrInvalidInput, role)
	}
	u, err := r.repos.Users.Mutate(ctx, userID, func(u *domain.User) error {
		if u.Role == domain.RoleAdmin {
			return fmt.Errorf("%w: administradores não podem ser convertidos", domain.ErrInvalidInput)
		}
		u.Role = role
		if !u.Track.Valid() {
			u.Track = domain.TrackAdult
		}
		return nil
	})
	r.done(ctx, "user.convert", err, map[string]any{"user_id": userID, "role": string(role)})
	return u, err
}

func (r *Repairer) done(ctx context.Context, kind string, err error, fields map[string]any) {
	result := "repaired"
	if err != nil {
		result = "failed"
		fields["error"] = err
	}
	obs.RepairDone(kind, result)
	audit.Record(ctx, "repair."+kind, fields)
}
