package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"catequiz.org/internal/audit"
	"catequiz.org/internal/domain"
	"catequiz.org/internal/errlog"
	"catequiz.org/internal/obs"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody(r, msg))
}

func errorBody(r *http.Request, msg string) map[string]any {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("corpo da requisição é obrigatório")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("dados inesperados após o JSON")
		}
		return err
	}
	return nil
}

// decodeBody writes 400 itself and reports whether the handler may continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "JSON inválido: "+err.Error())
		return false
	}
	return true
}

type failure struct {
	sentinel error
	code     int
	fallback string
}

var failures = []failure{
	{domain.ErrNotFound, http.StatusNotFound, "não encontrado"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "requisição inválida"},
	{domain.ErrExpired, http.StatusBadRequest, "expirado"},
	{domain.ErrAlreadyUsed, http.StatusBadRequest, "já utilizado"},
	{domain.ErrConflict, http.StatusConflict, "conflito"},
	{domain.ErrPermissionDenied, http.StatusForbidden, "acesso negado"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "não autenticado"},
	{domain.ErrGeneration, http.StatusBadGateway, "falha ao gerar as perguntas"},
}

// classify maps err to a status code and the message safe to show.
func classify(err error) (int, string) {
	for _, f := range failures {
		if !errors.Is(err, f.sentinel) {
			continue
		}
		return f.code, detail(err, f.sentinel, f.fallback)
	}
	return http.StatusInternalServerError, "erro interno, tente novamente mais tarde"
}

// detail strips the English sentinel prefix from "sentinel: detalhe".
func detail(err, sentinel error, fallback string) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok && rest != "" {
		return rest
	}
	return fallback
}

// fail writes the mapped error. 5xx failures are journaled and the
// response carries only the journal id.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.failWith(w, r, err, nil)
}

func (a *API) failWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	code, msg := classify(err)
	body := errorBody(r, msg)
	if code >= http.StatusInternalServerError {
		fields := map[string]any{"method": r.Method, "path": r.URL.Path}
		if a.Errors != nil {
			body["error_id"] = a.Errors.Record(r.Context(), err, fields)
		} else {
			obs.Log("error", "request failed", map[string]any{
				"request_id": audit.RequestIDFromContext(r.Context()),
				"kind":       errlog.Kind(err),
				"error":      err,
			})
		}
	}
	if errors.Is(err, domain.ErrCorrupt) {
		body["error"] = "registro corrompido; um administrador pode repará-lo"
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}
