package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/domain"
)

type fixUserRequest struct {
	// Action is attach, detach or convert.
	Action string      `json:"acao"`
	Role   domain.Role `json:"role,omitempty"`
}

func inSet(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ownQuiz rejects quiz ids whose hash names another parish. Quizzes
// without a readable parishId are accepted when they sit in the admin's set.
func (a *API) ownQuiz(r *http.Request, id string) error {
	sess := session(r)
	parish, err := a.Repair.QuizParish(r.Context(), id)
	if err != nil {
		return err
	}
	if parish != "" && sess.SameParish(parish) {
		return nil
	}
	if parish == "" {
		members, err := a.Repos.Quizzes.IDsByParish(r.Context(), sess.ParishID)
		if err != nil {
			return err
		}
		if inSet(members, id) {
			return nil
		}
	}
	return fmt.Errorf("%w: quiz de outra paróquia", domain.ErrPermissionDenied)
}

func (a *API) repairQuiz(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.ownQuiz(r, id); err != nil {
		a.fail(w, r, err)
		return
	}
	changed, err := a.Repair.RepairQuizInParish(r.Context(), id, session(r).ParishID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "repaired": changed})
}

func (a *API) repairParish(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Repair.RepairParish(r.Context(), session(r).ParishID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) diagnoseQuiz(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.ownQuiz(r, id); err != nil {
		a.fail(w, r, err)
		return
	}
	d, err := a.Repair.DiagnoseQuiz(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) diagnoseQuizzes(w http.ResponseWriter, r *http.Request) {
	d, err := a.Repair.DiagnoseQuizzes(r.Context(), session(r).ParishID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) diagnoseUsers(w http.ResponseWriter, r *http.Request) {
	d, err := a.Repair.DiagnoseUsers(r.Context(), session(r).ParishID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// diagnoseErrors lists recent journal entries and counts for the last ?hours (default 24).
func (a *API) diagnoseErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := parseLimit(r.URL.Query().Get("hours"), 24, 24*30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "hours deve estar entre 1 e 720")
		return
	}
	recent, err := a.Errors.Recent(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.Errors.Stats(r.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent": recent, "stats": stats})
}

// fixUser corrects membership or role of a user that belongs to the admin's
// parish by hash or by set membership.
func (a *API) fixUser(w http.ResponseWriter, r *http.Request) {
	var req fixUserRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess := session(r)
	id := r.PathValue("id")
	u, err := a.Repos.Users.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !sess.SameParish(u.ParishID) {
		members, err := a.Repos.Users.IDsByParish(r.Context(), sess.ParishID)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if !inSet(members, id) {
			a.fail(w, r, fmt.Errorf("%w: usuário de outra paróquia", domain.ErrPermissionDenied))
			return
		}
	}
	var result any = map[string]any{"id": id, "acao": req.Action}
	switch req.Action {
	case "attach":
		err = a.Repair.AttachUserToParish(r.Context(), id, sess.ParishID)
	case "detach":
		err = a.Repair.DetachUserFromParish(r.Context(), id, sess.ParishID)
	case "convert":
		result, err = a.Repair.ConvertRole(r.Context(), id, req.Role)
	default:
		writeError(w, r, http.StatusBadRequest, "ação inválida: use attach, detach ou convert")
		return
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "admin.user.fix", map[string]any{"target_id": id, "action": req.Action})
	writeJSON(w, http.StatusOK, result)
}
