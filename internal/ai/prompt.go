package ai

import (
	"fmt"

	"catequiz.org/internal/domain"
)

const systemPrompt = "Você é um especialista em catequese católica que escreve questionários fiéis ao Catecismo da Igreja Católica."

func audience(track domain.Track) (who, register string) {
	if track == domain.TrackChild {
		return "crianças", "Use linguagem e conceitos simples, adequados à idade."
	}
	return "adultos", "Inclua aprofundamento teológico e maior complexidade."
}

// userPrompt asks for a bare JSON array in the stored question shape.
func userPrompt(theme string, track domain.Track) string {
	who, register := audience(track)
	return fmt.Sprintf(`Crie EXATAMENTE %[1]d questões de múltipla escolha sobre o tema de catecismo católico: %[2]q.
Estas questões são para %[3]s e DEVEM ser em Português do Brasil.

Cada questão deve ter %[4]d opções com apenas uma resposta correta.

Responda somente com um array JSON no formato:
[
  {"id": "1", "texto": "Texto da pergunta?", "opcoes": ["A", "B", "C", "D"], "opcaoCorreta": 0}
]

IMPORTANTE:
1. Devem ser exatamente %[1]d questões, nem mais nem menos.
2. "opcaoCorreta" é o índice (0 a 3) da opção correta.
3. As questões devem cobrir vários aspectos do tema.
4. %[5]s`, domain.QuestionsPerQuiz, theme, who, domain.OptionsPerQuestion, register)
}
