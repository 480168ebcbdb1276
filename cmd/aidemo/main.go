// Command aidemo registers a simulated parish and lets its class answer
// quizzes concurrently through the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catequiz.org/internal/ai/sim"
)

type student struct {
	sim.Student
	token string
}

func main() {
	var (
		baseURL     = flag.String("base-url", "http://localhost:8080", "API base URL")
		students    = flag.Int("students", 8, "class size")
		quizzes     = flag.Int("quizzes", 2, "quizzes to generate")
		duration    = flag.Duration("duration", 2*time.Minute, "duration of the simulation")
		openAIModel = flag.String("openai-model", "gpt-4o-mini", "model for the closing summary (optional)")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tag := strings.Split(uuid.NewString(), "-")[0]
	sc := sim.ClassScenario(*students, tag)
	api := &client{base: strings.TrimRight(*baseURL, "/"), http: &http.Client{Timeout: 90 * time.Second}}
	log.Printf("Launching class simulation: base=%s parish=%q students=%d quizzes=%d duration=%s",
		api.base, sc.Parish, len(sc.Students), *quizzes, *duration)

	admin, err := register(ctx, api, sc, tag)
	if err != nil {
		log.Fatalf("register parish: %v", err)
	}
	class, err := enroll(ctx, api, admin.Token, sc)
	if err != nil {
		log.Fatalf("enroll class: %v", err)
	}

	gen := sim.NewGenerator(time.Now().UnixNano())
	var docs []quizDoc
	for i := 0; i < *quizzes; i++ {
		var q quizDoc
		body := map[string]any{"titulo": fmt.Sprintf("Simulado %d", i+1), "tema": gen.Theme(sc), "tipo": "adulto"}
		if err := api.call(ctx, http.MethodPost, "/v1/quizzes", admin.Token, body, &q); err != nil {
			log.Printf("quiz %d not generated: %v", i+1, err)
			continue
		}
		docs = append(docs, q)
	}
	if len(docs) == 0 {
		log.Fatal("no quiz could be generated; check the AI configuration of the server")
	}

	var counter sim.Counter
	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)
	for i, s := range class {
		wg.Add(1)
		go func(id int, s student) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id*9973)))
			g := sim.NewGenerator(rnd.Int63())
			round := 0
			for time.Now().Before(deadline) {
				if ctx.Err() != nil {
					return
				}
				q := docs[round%len(docs)]
				round++
				if err := answer(ctx, api, g, s, q, &counter); err != nil {
					var ae *apiError
					if errors.As(err, &ae) && ae.Status == http.StatusTooManyRequests {
						time.Sleep(250 * time.Millisecond)
						continue
					}
					if !errors.As(err, &ae) {
						log.Printf("student %d: %v", id, err)
						return
					}
				}
				time.Sleep(time.Duration(200+rnd.Intn(400)) * time.Millisecond)
			}
		}(i, s)
	}
	wg.Wait()

	snap := counter.Snapshot()
	log.Printf("Run complete: %d submissions (%d repeats), average %.1f%%, %d XP, %d level-ups, failures %v",
		snap.Submissions, snap.Repeats, snap.AverageScore, snap.TotalXP, snap.LevelUps, snap.Failures)

	var ranking struct {
		Items []struct {
			Name    string `json:"nome"`
			TotalXP int64  `json:"totalXP"`
			Level   int    `json:"level"`
		} `json:"items"`
	}
	if err := api.call(ctx, http.MethodGet, "/v1/ranking?by=xp&limit=5", admin.Token, nil, &ranking); err == nil {
		for i, e := range ranking.Items {
			log.Printf("#%d %s: %d XP (nível %d)", i+1, e.Name, e.TotalXP, e.Level)
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && snap.Submissions > 0 {
		summary, err := sim.Summarize(ctx, snap, *duration, sim.SummaryRequest{APIKey: key, Model: *openAIModel})
		if err != nil {
			log.Printf("AI summary error: %v", err)
		} else {
			log.Println("Resumo:")
			log.Println(summary)
		}
	} else {
		log.Println("Set OPENAI_API_KEY to enable the closing summary.")
	}
}

func register(ctx context.Context, api *client, sc sim.Scenario, tag string) (signedIn, error) {
	var out signedIn
	err := api.call(ctx, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"paroquia": map[string]any{"nome": sc.Parish, "cidade": sc.City, "estado": sc.State},
		"nome":     "Coordenação " + tag,
		"email":    "coordenacao+" + tag + "@sim.catequiz.org",
		"senha":    uuid.NewString(),
	}, &out)
	return out, err
}

func enroll(ctx context.Context, api *client, staffToken string, sc sim.Scenario) ([]student, error) {
	out := make([]student, 0, len(sc.Students))
	for _, s := range sc.Students {
		var inv struct {
			Token string `json:"token"`
		}
		if err := api.call(ctx, http.MethodPost, "/v1/invites", staffToken, map[string]any{"email": s.Email, "tipo": "adulto"}, &inv); err != nil {
			return nil, fmt.Errorf("invite %s: %w", s.Email, err)
		}
		var in signedIn
		body := map[string]any{"nome": s.Name, "senha": uuid.NewString()}
		if err := api.call(ctx, http.MethodPost, "/v1/invites/"+inv.Token+"/redeem", "", body, &in); err != nil {
			return nil, fmt.Errorf("redeem %s: %w", s.Email, err)
		}
		out = append(out, student{Student: s, token: in.Token})
	}
	return out, nil
}

// answer submits one sheet. The answer key comes from the staff view of q.
func answer(ctx context.Context, api *client, g *sim.Generator, s student, q quizDoc, counter *sim.Counter) error {
	questions := make([]sim.Question, len(q.Questions))
	key := make(map[string]int, len(q.Questions))
	for i, qq := range q.Questions {
		questions[i] = sim.Question{ID: qq.ID, Options: qq.Options}
		key[qq.ID] = qq.Correct
	}
	var reply submitReply
	body := map[string]any{"respostas": g.Sheet(s.Student, questions, key)}
	if err := api.call(ctx, http.MethodPost, "/v1/quizzes/"+q.ID+"/responses", s.token, body, &reply); err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			counter.Fail(ae.Status)
		}
		return err
	}
	var earned int64
	leveled := false
	if reply.XP != nil {
		earned, leveled = reply.XP.XPEarned, reply.XP.LeveledUp
	}
	counter.Add(reply.Response.Score, earned, reply.Repeat, leveled)
	return nil
}
