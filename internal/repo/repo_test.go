package repo_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/kv"
	"catequiz.org/internal/repo"
)

func newRepos(t *testing.T) *repo.Repos {
	t.Helper()
	s := kv.NewMemory()
	t.Cleanup(func() { _ = s.Close() })
	return repo.New(s)
}

func seedParish(t *testing.T, r *repo.Repos) domain.Parish {
	t.Helper()
	p, err := r.Parishes.Create(context.Background(), domain.Parish{
		Name: "Paróquia São José", City: "Recife", State: "PE",
	})
	if err != nil {
		t.Fatalf("create parish: %v", err)
	}
	return p
}

func seedUser(t *testing.T, r *repo.Repos, parishID, email string, role domain.Role) domain.User {
	t.Helper()
	u, err := r.Users.Create(context.Background(), domain.User{
		Name: "Maria", Email: email, PasswordHash: "hash", Role: role, ParishID: parishID,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func questions(n int) []domain.Question {
	out := make([]domain.Question, n)
	for i := range out {
		out[i] = domain.Question{
			ID:      string(rune('a' + i)),
			Text:    "Quem batizou Jesus?",
			Options: []string{"João Batista", "Pedro", "Paulo", "Tiago"},
		}
	}
	return out
}

func seedQuiz(t *testing.T, r *repo.Repos, parishID, author string) domain.Quiz {
	t.Helper()
	now := time.Now()
	q, err := r.Quizzes.Create(context.Background(), domain.Quiz{
		Title: "Sacramentos", Theme: "sacramentos", Track: domain.TrackAdult,
		ParishID: parishID, CreatedBy: author, Questions: questions(domain.QuestionsPerQuiz),
		CreatedAt: now, ExpiresAt: now.Add(domain.QuizValidity), Status: domain.QuizPending,
		MaxScore: domain.QuestionsPerQuiz * domain.PointsPerQuestion,
	})
	if err != nil {
		t.Fatalf("create quiz: %v", err)
	}
	return q
}

func TestUsersEmailIndex(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, " Maria@Example.org ", domain.RoleAdmin)
	if u.Email != "maria@example.org" {
		t.Fatalf("email not normalized: %q", u.Email)
	}
	got, err := r.Users.GetByEmail(ctx, "MARIA@example.org")
	if err != nil || got.ID != u.ID {
		t.Fatalf("GetByEmail: %+v %v", got, err)
	}
	_, err = r.Users.Create(ctx, domain.User{
		Name: "Outra", Email: "maria@example.org", PasswordHash: "x", Role: domain.RoleCatechist, ParishID: p.ID,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := r.Users.UpdateProfile(ctx, u.ID, "Maria José", "mj@example.org"); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if _, err := r.Users.GetByEmail(ctx, "maria@example.org"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old email still indexed: %v", err)
	}
	if got, err := r.Users.GetByEmail(ctx, "mj@example.org"); err != nil || got.Name != "Maria José" {
		t.Fatalf("new email lookup: %+v %v", got, err)
	}
}

func TestUsersListByParishIsolated(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	a, b := seedParish(t, r), seedParish(t, r)
	seedUser(t, r, a.ID, "a1@example.org", domain.RoleAdmin)
	seedUser(t, r, a.ID, "a2@example.org", domain.RoleCatechumen)
	seedUser(t, r, b.ID, "b1@example.org", domain.RoleAdmin)

	users, err := r.Users.ListByParish(ctx, a.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users in parish a, got %d", len(users))
	}
	for _, u := range users {
		if u.ParishID != a.ID {
			t.Fatalf("leaked user from %s", u.ParishID)
		}
	}
	students, err := r.Users.ListByParishAndRole(ctx, a.ID, domain.RoleCatechumen)
	if err != nil || len(students) != 1 {
		t.Fatalf("role filter: %d %v", len(students), err)
	}
}

func TestListDropsDanglingAndCorruptMembers(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	good := seedQuiz(t, r, p.ID, u.ID)

	err := r.Update(ctx, func(tx kv.Tx) error {
		if err := tx.SAdd(repo.ParishQuizzesKey(p.ID), "quiz:01HZZZZZZZZZZZZZZZZZZZZZZZ"); err != nil {
			return err
		}
		if err := tx.HSet("quiz:01HBROKEN", map[string]string{"titulo": "x", "questoes": "{not json"}); err != nil {
			return err
		}
		return tx.SAdd(repo.ParishQuizzesKey(p.ID), "quiz:01HBROKEN")
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	quizzes, err := r.Quizzes.ListByParish(ctx, p.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(quizzes) != 1 || quizzes[0].ID != good.ID {
		t.Fatalf("expected only the intact quiz, got %+v", quizzes)
	}
	if _, err := r.Quizzes.Get(ctx, "quiz:01HBROKEN"); !errors.Is(err, domain.ErrCorrupt) {
		t.Fatalf("expected corrupt error, got %v", err)
	}
}

func TestQuizPutDropsUnknownFields(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	q := seedQuiz(t, r, p.ID, u.ID)

	if err := r.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet(q.ID, map[string]string{"legacyField": "1"})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	q.Title = "Novo título"
	if err := r.Quizzes.Put(ctx, q); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := r.Quizzes.RawHash(ctx, q.ID)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if _, ok := raw["legacyField"]; ok {
		t.Fatalf("legacy field survived full overwrite")
	}
	if raw["titulo"] != "Novo título" {
		t.Fatalf("title = %q", raw["titulo"])
	}
}

func TestQuizDeleteKeepsResponses(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, "a@example.org", domain.RoleCatechumen)
	q := seedQuiz(t, r, p.ID, u.ID)
	resp, err := r.Responses.Create(ctx, domain.QuizResponse{QuizID: q.ID, UserID: u.ID, Score: 80})
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if err := r.Quizzes.Delete(ctx, q.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Quizzes.Get(ctx, q.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("quiz still readable: %v", err)
	}
	ids, _ := r.Quizzes.IDsByParish(ctx, p.ID)
	if len(ids) != 0 {
		t.Fatalf("parish set still references quiz: %v", ids)
	}
	if _, err := r.Responses.Get(ctx, resp.ID); err != nil {
		t.Fatalf("response removed with quiz: %v", err)
	}
	if err := r.Quizzes.Delete(ctx, q.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestResponsesIndexes(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, "a@example.org", domain.RoleCatechumen)
	q := seedQuiz(t, r, p.ID, u.ID)

	done, err := r.Responses.HasResponded(ctx, u.ID, q.ID)
	if err != nil || done {
		t.Fatalf("HasResponded before submit: %v %v", done, err)
	}
	if _, err := r.Responses.Create(ctx, domain.QuizResponse{QuizID: q.ID, UserID: u.ID, Score: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err = r.Responses.HasResponded(ctx, u.ID, q.ID)
	if err != nil || !done {
		t.Fatalf("HasResponded after submit: %v %v", done, err)
	}
	n, err := r.Responses.CountByQuiz(ctx, q.ID)
	if err != nil || n != 1 {
		t.Fatalf("CountByQuiz = %d %v", n, err)
	}
	byQuiz, err := r.Responses.ListByQuiz(ctx, q.ID)
	if err != nil || len(byQuiz) != 1 || byQuiz[0].UserID != u.ID {
		t.Fatalf("ListByQuiz = %+v %v", byQuiz, err)
	}
}

func TestInviteRedeem(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	admin := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	now := time.Now()

	inv, err := r.Invites.Create(ctx, domain.Invite{
		ParishID: p.ID, CreatedBy: admin.ID, Email: "aluno@example.org", Track: domain.TrackChild, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if len(inv.Token) != 64 {
		t.Fatalf("token length %d", len(inv.Token))
	}
	if !inv.ExpiresAt.Equal(inv.CreatedAt.Add(domain.InviteValidity)) {
		t.Fatalf("expiry = %v", inv.ExpiresAt)
	}
	if _, err := r.Invites.Check(ctx, inv.Token, now); err != nil {
		t.Fatalf("check: %v", err)
	}
	if _, err := r.Invites.Redeem(ctx, "missing", "user:x", now); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown token: %v", err)
	}
	if _, err := r.Invites.Redeem(ctx, inv.Token, "user:x", now.Add(31*24*time.Hour)); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("expired token: %v", err)
	}
	got, err := r.Invites.Redeem(ctx, inv.Token, "user:x", now)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !got.Used || got.UsedBy != "user:x" {
		t.Fatalf("redeemed invite = %+v", got)
	}
	if _, err := r.Invites.Redeem(ctx, inv.Token, "user:y", now); !errors.Is(err, domain.ErrAlreadyUsed) {
		t.Fatalf("second redeem: %v", err)
	}
}

func TestInviteConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	admin := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	inv, err := r.Invites.Create(ctx, domain.Invite{
		ParishID: p.ID, CreatedBy: admin.ID, Email: "aluno@example.org", Track: domain.TrackAdult,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Invites.Redeem(ctx, inv.Token, "user:"+strings.Repeat("x", i+1), time.Now())
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrAlreadyUsed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one redemption, got %d", winners)
	}
}

func TestReindexEmails(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	u := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	if err := r.Update(ctx, func(tx kv.Tx) error { return tx.Del("idx:users:email") }); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := r.Users.GetByEmail(ctx, u.Email); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected miss before reindex: %v", err)
	}
	n, dups, err := r.Users.ReindexEmails(ctx)
	if err != nil || n != 1 || len(dups) != 0 {
		t.Fatalf("reindex = %d %v %v", n, dups, err)
	}
	if _, err := r.Users.GetByEmail(ctx, u.Email); err != nil {
		t.Fatalf("lookup after reindex: %v", err)
	}
}

func TestEmailChangeKeepsOtherOwnersIndex(t *testing.T) {
	ctx := context.Background()
	r := newRepos(t)
	p := seedParish(t, r)
	a := seedUser(t, r, p.ID, "a@example.org", domain.RoleAdmin)
	b := seedUser(t, r, p.ID, "b@example.org", domain.RoleAdmin)
	// A legacy record sharing a's e-mail while the index points at a.
	if err := r.Update(ctx, func(tx kv.Tx) error {
		return tx.HSet(b.ID, map[string]string{"email": a.Email})
	}); err != nil {
		t.Fatalf("seed duplicate: %v", err)
	}

	if _, err := r.Users.UpdateProfile(ctx, b.ID, "Maria", "c@example.org"); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	got, err := r.Users.GetByEmail(ctx, a.Email)
	if err != nil || got.ID != a.ID {
		t.Fatalf("lookup %s = %v %v, want %s", a.Email, got.ID, err, a.ID)
	}
	got, err = r.Users.GetByEmail(ctx, "c@example.org")
	if err != nil || got.ID != b.ID {
		t.Fatalf("lookup new e-mail = %v %v", got.ID, err)
	}
}
