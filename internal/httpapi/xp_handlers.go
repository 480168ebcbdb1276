package httpapi

import (
	"net/http"
	"strconv"

	"catequiz.org/internal/domain"
	"catequiz.org/internal/xp"
)

type goalRequest struct {
	TargetXP int64 `json:"targetXP"`
}

type xpResponse struct {
	domain.XPStats
	NextLevelAt int64 `json:"proximoNivelEm"`
}

func (a *API) xpStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Ledger.Stats(r.Context(), session(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, xpResponse{XPStats: stats, NextLevelAt: xp.NextLevelAt(stats.Level)})
}

func (a *API) weeklyGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := a.Ledger.WeeklyGoal(r.Context(), session(r).UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

func (a *API) setWeeklyGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	goal, err := a.Ledger.SetWeeklyGoal(r.Context(), session(r).UserID, req.TargetXP)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

// parishRanking serves ?by=score (default) or ?by=xp&limit=N.
func (a *API) parishRanking(w http.ResponseWriter, r *http.Request) {
	sess := session(r)
	q := r.URL.Query()
	switch q.Get("by") {
	case "", "score":
		track := domain.Track(q.Get("tipo"))
		if track != "" && !track.Valid() {
			writeError(w, r, http.StatusBadRequest, "tipo inválido")
			return
		}
		items, err := a.Ranking.Parish(r.Context(), sess.ParishID, track)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "xp":
		limit, err := parseLimit(q.Get("limit"), 10, 100)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		items, err := a.Ranking.XP(r.Context(), sess.ParishID, limit)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, r, http.StatusBadRequest, "ordenação inválida: use score ou xp")
	}
}

func (a *API) dashboard(w http.ResponseWriter, r *http.Request) {
	view, err := a.Ranking.Dashboard(r.Context(), session(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		return 0, errLimit(max)
	}
	return n, nil
}

type errLimit int

func (e errLimit) Error() string {
	return "limit deve estar entre 1 e " + strconv.Itoa(int(e))
}
