// Command smoke runs one end-to-end pass against a live API: health, a fresh
// parish, an invited catechumen, a generated quiz and a graded submission.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"catequiz.org/internal/probe"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type smoke struct {
	base string
	http *http.Client
}

func (s *smoke) call(ctx context.Context, method, path, token string, body, out any, want int) {
	var rdr io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, rdr)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func main() {
	s := &smoke{
		base: strings.TrimRight(env("CATEQUIZ_SMOKE_URL", "http://localhost:8080"), "/"),
		http: &http.Client{Timeout: 90 * time.Second},
	}
	grpcAddr := env("CATEQUIZ_SMOKE_GRPC_ADDR", "localhost:9090")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	hc, err := probe.Dial(grpcAddr)
	if err != nil {
		log.Fatalf("dial health at %s: %v", grpcAddr, err)
	}
	defer hc.Close()
	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Second)
	err = hc.WaitServing(waitCtx, "catequiz-api", 500*time.Millisecond)
	waitCancel()
	if err != nil {
		log.Fatalf("grpc health: %v", err)
	}
	s.call(ctx, http.MethodGet, "/readyz", "", nil, nil, http.StatusOK)

	tag := strings.Split(uuid.NewString(), "-")[0]
	var admin struct {
		Token string `json:"token"`
	}
	s.call(ctx, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"paroquia": map[string]any{"nome": "Smoke " + tag, "cidade": "Recife", "estado": "PE"},
		"nome":     "Smoke Admin",
		"email":    "smoke+" + tag + "@catequiz.org",
		"senha":    "smoke-" + tag,
	}, &admin, http.StatusCreated)

	var inv struct {
		Token string `json:"token"`
	}
	s.call(ctx, http.MethodPost, "/v1/invites", admin.Token, map[string]any{"email": "aluno+" + tag + "@catequiz.org", "tipo": "adulto"}, &inv, http.StatusCreated)
	var student struct {
		Token string `json:"token"`
	}
	s.call(ctx, http.MethodPost, "/v1/invites/"+inv.Token+"/redeem", "", map[string]any{"nome": "Aluno Smoke", "senha": "aluno-" + tag}, &student, http.StatusCreated)
	s.call(ctx, http.MethodPost, "/v1/invites/"+inv.Token+"/redeem", "", map[string]any{"nome": "Outro", "senha": "outro-" + tag}, nil, http.StatusBadRequest)

	var quiz struct {
		ID        string `json:"id"`
		Questions []struct {
			ID      string `json:"id"`
			Correct int    `json:"opcaoCorreta"`
		} `json:"questoes"`
	}
	s.call(ctx, http.MethodPost, "/v1/quizzes", admin.Token, map[string]any{"titulo": "Smoke", "tema": "Os sete sacramentos", "tipo": "adulto"}, &quiz, http.StatusCreated)

	answers := make([]map[string]any, len(quiz.Questions))
	for i, q := range quiz.Questions {
		answers[i] = map[string]any{"questionId": q.ID, "opcaoSelecionada": q.Correct}
	}
	var res struct {
		Response struct {
			Score int `json:"pontuacao"`
		} `json:"response"`
		XP struct {
			XPEarned int64 `json:"xpEarned"`
		} `json:"xp"`
	}
	s.call(ctx, http.MethodPost, "/v1/quizzes/"+quiz.ID+"/responses", student.Token, map[string]any{"respostas": answers}, &res, http.StatusCreated)
	if res.Response.Score != 100 || res.XP.XPEarned != 85 {
		log.Fatalf("unexpected grading: score=%d xp=%d", res.Response.Score, res.XP.XPEarned)
	}

	fmt.Printf("✅ catequiz smoke test passed: quiz=%s score=%d xp=%d\n", quiz.ID, res.Response.Score, res.XP.XPEarned)
}
