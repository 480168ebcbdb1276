package httpapi

import (
	"errors"
	"net/http"
	"time"

	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/quiz"
)

type submitRequest struct {
	Answers []quiz.AnswerInput `json:"respostas"`
	quiz.SubmitOptions
}

type publicQuestion struct {
	ID      string   `json:"id"`
	Text    string   `json:"texto"`
	Options []string `json:"opcoes"`
}

// studentQuiz is a quiz without the answer key.
type studentQuiz struct {
	ID          string            `json:"id"`
	Title       string            `json:"titulo"`
	Description string            `json:"descricao"`
	Theme       string            `json:"tema"`
	Track       domain.Track      `json:"tipo"`
	ParishID    string            `json:"parishId"`
	Questions   []publicQuestion  `json:"questoes"`
	CreatedAt   time.Time         `json:"criadoEm"`
	ExpiresAt   time.Time         `json:"expiraEm"`
	Status      domain.QuizStatus `json:"status"`
	MaxScore    int               `json:"pontuacaoMaxima"`
}

// quizView hides opcaoCorreta from anyone who is not staff.
func quizView(sess auth.Session, q domain.Quiz) any {
	if sess.IsStaff() {
		return q
	}
	v := studentQuiz{
		ID: q.ID, Title: q.Title, Description: q.Description, Theme: q.Theme, Track: q.Track,
		ParishID: q.ParishID, CreatedAt: q.CreatedAt, ExpiresAt: q.ExpiresAt, Status: q.Status,
		MaxScore: q.MaxScore, Questions: make([]publicQuestion, 0, len(q.Questions)),
	}
	for _, qq := range q.Questions {
		v.Questions = append(v.Questions, publicQuestion{ID: qq.ID, Text: qq.Text, Options: qq.Options})
	}
	return v
}

func quizViews(sess auth.Session, qs []domain.Quiz) []any {
	out := make([]any, 0, len(qs))
	for _, q := range qs {
		out = append(out, quizView(sess, q))
	}
	return out
}

func (a *API) createQuiz(w http.ResponseWriter, r *http.Request) {
	var in quiz.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	q, err := a.Quiz.Create(r.Context(), session(r), in)
	if err != nil {
		if errors.Is(err, domain.ErrGeneration) && q.ID != "" {
			a.failWith(w, r, err, map[string]any{"quiz": q})
			return
		}
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/quizzes/"+q.ID)
	writeJSON(w, http.StatusCreated, q)
}

func (a *API) listQuizzes(w http.ResponseWriter, r *http.Request) {
	f := quiz.Filter{
		Status: domain.QuizStatus(r.URL.Query().Get("status")),
		Track:  domain.Track(r.URL.Query().Get("tipo")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, http.StatusBadRequest, "status inválido")
		return
	}
	if f.Track != "" && !f.Track.Valid() {
		writeError(w, r, http.StatusBadRequest, "tipo inválido")
		return
	}
	sess := session(r)
	items, err := a.Quiz.ListForParish(r.Context(), sess, f)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": quizViews(sess, items)})
}

func (a *API) pendingQuizzes(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	items, err := a.Quiz.PendingForUser(r.Context(), sess)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": quizViews(sess, items)})
}

func (a *API) getQuiz(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	q, err := a.Quiz.Get(r.Context(), sess, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quizView(sess, q))
}

func (a *API) editQuiz(w http.ResponseWriter, r *http.Request) {
	var in quiz.EditInput
	if !decodeBody(w, r, &in) {
		return
	}
	q, err := a.Quiz.Edit(r.Context(), session(r), r.PathValue("id"), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (a *API) deleteQuiz(w http.ResponseWriter, r *http.Request) {
	if err := a.Quiz.Delete(r.Context(), session(r), r.PathValue("id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) submitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Quiz.Submit(r.Context(), session(r), r.PathValue("id"), req.Answers, req.SubmitOptions)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listResponses(w http.ResponseWriter, r *http.Request) {
	items, err := a.Quiz.Responses(r.Context(), session(r), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
