package httpapi

import (
	"net/http"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/auth"
	"catequiz.org/internal/domain"
)

type registerRequest struct {
	Parish   domain.Parish `json:"paroquia"`
	Name     string        `json:"nome"`
	Email    string        `json:"email"`
	Password string        `json:"senha"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"senha"`
}

type catechistRequest struct {
	Name     string       `json:"nome"`
	Email    string       `json:"email"`
	Password string       `json:"senha"`
	Track    domain.Track `json:"tipo"`
}

type profileRequest struct {
	Name  string `json:"nome"`
	Email string `json:"email"`
}

type passwordRequest struct {
	Current string `json:"senhaAtual"`
	New     string `json:"novaSenha"`
}

type inviteRequest struct {
	Email string       `json:"email"`
	Track domain.Track `json:"tipo"`
}

type redeemRequest struct {
	Name     string `json:"nome"`
	Password string `json:"senha"`
}

type meResponse struct {
	User   domain.User   `json:"user"`
	Parish domain.Parish `json:"parish"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Auth.RegisterParish(r.Context(), auth.RegisterInput{
		Parish: req.Parish, Name: req.Name, Email: req.Email, Password: req.Password,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "auth.parish.register", map[string]any{
		"parish_id": res.User.ParishID,
		"user_id":   res.User.ID,
	})
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		audit.Record(r.Context(), "auth.login.failed", map[string]any{"email": domain.NormalizeEmail(req.Email)})
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	u, p, err := a.Auth.Me(r.Context(), session(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: u, Parish: p})
}

func (a *API) createCatechist(w http.ResponseWriter, r *http.Request) {
	var req catechistRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := a.Auth.CreateCatechist(r.Context(), session(r), req.Name, req.Email, req.Password, req.Track)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "user.catechist.create", map[string]any{"target_id": u.ID})
	w.Header().Set("Location", "/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	role := domain.Role(r.URL.Query().Get("role"))
	if role != "" && !role.Valid() {
		writeError(w, r, http.StatusBadRequest, "papel inválido")
		return
	}
	users, err := a.Auth.ListUsers(r.Context(), session(r), role)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": users})
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := a.Auth.UpdateProfile(r.Context(), session(r), req.Name, req.Email)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) updateParish(w http.ResponseWriter, r *http.Request) {
	var req auth.ParishContact
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := a.Auth.UpdateParish(r.Context(), session(r), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "parish.updated", map[string]any{"parish_id": p.ID})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.Auth.ChangePassword(r.Context(), session(r), req.Current, req.New); err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "user.password.change", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target := r.PathValue("id")
	if err := a.Auth.ResetPassword(r.Context(), session(r), target, req.New); err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "user.password.reset", map[string]any{"target_id": target})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) createInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inv, err := a.Auth.InviteCatechumen(r.Context(), session(r), req.Email, req.Track)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "invite.create", map[string]any{"invite_id": inv.ID, "email": inv.Email})
	writeJSON(w, http.StatusCreated, inv)
}

func (a *API) listInvites(w http.ResponseWriter, r *http.Request) {
	items, err := a.Auth.ListInvites(r.Context(), session(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) validateInvite(w http.ResponseWriter, r *http.Request) {
	preview, err := a.Auth.ValidateInvite(r.Context(), r.PathValue("token"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (a *API) redeemInvite(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := a.Auth.RedeemInvite(r.Context(), r.PathValue("token"), req.Name, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	audit.Record(r.Context(), "invite.redeem", map[string]any{"user_id": res.User.ID, "parish_id": res.User.ParishID})
	writeJSON(w, http.StatusCreated, res)
}
