// Package sim drives a simulated catechesis class against the HTTP API.
package sim

import (
	"fmt"
	"math/rand"
	"time"
)

// Student is one simulated catechumen. Skill is the chance of picking the
// right option for any question.
type Student struct {
	Name  string
	Email string
	Skill float64
}

// Scenario is a parish with its catechist and class.
type Scenario struct {
	Parish   string
	City     string
	State    string
	Themes   []string
	Students []Student
}

// ClassScenario returns a class of n students whose skills spread from 0.35 to 0.95.
func ClassScenario(n int, tag string) Scenario {
	if n < 1 {
		n = 1
	}
	names := []string{"Ana", "Bruno", "Clara", "Davi", "Elisa", "Felipe", "Gabriela", "Heitor", "Isabel", "João"}
	sc := Scenario{
		Parish: "Paróquia Simulada " + tag,
		City:   "Recife",
		State:  "PE",
		Themes: []string{
			"Os sete sacramentos",
			"Os dez mandamentos",
			"O Pai-Nosso e a oração",
			"Os tempos litúrgicos",
		},
	}
	for i := 0; i < n; i++ {
		skill := 0.35
		if n > 1 {
			skill += 0.6 * float64(i) / float64(n-1)
		}
		name := names[i%len(names)]
		sc.Students = append(sc.Students, Student{
			Name:  fmt.Sprintf("%s %d", name, i+1),
			Email: fmt.Sprintf("aluno%d+%s@sim.catequiz.org", i+1, tag),
			Skill: skill,
		})
	}
	return sc
}

// Answer is one choice on an answer sheet.
type Answer struct {
	QuestionID string `json:"questionId"`
	Selected   int    `json:"opcaoSelecionada"`
}

// Question is what a catechumen sees; the answer key is never sent to them.
type Question struct {
	ID      string   `json:"id"`
	Options []string `json:"opcoes"`
}

// Generator fills answer sheets. It is not safe for concurrent use.
type Generator struct {
	rnd *rand.Rand
}

func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rnd: rand.New(rand.NewSource(seed))}
}

// Sheet answers every question. key maps question ids to the right option;
// with no key the choices are uniform guesses.
func (g *Generator) Sheet(s Student, questions []Question, key map[string]int) []Answer {
	out := make([]Answer, 0, len(questions))
	for _, q := range questions {
		n := len(q.Options)
		if n == 0 {
			n = 4
		}
		choice := g.rnd.Intn(n)
		if right, ok := key[q.ID]; ok && g.rnd.Float64() < s.Skill {
			choice = right
		}
		out = append(out, Answer{QuestionID: q.ID, Selected: choice})
	}
	return out
}

// Theme picks a theme for the next quiz.
func (g *Generator) Theme(sc Scenario) string {
	return sc.Themes[g.rnd.Intn(len(sc.Themes))]
}
