package codec_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catequiz.org/internal/codec"
	"catequiz.org/internal/domain"
)

var at = time.Date(2024, 4, 7, 15, 4, 5, 123000000, time.UTC)

func roundTrip[T any](t *testing.T, in T) {
	t.Helper()
	flat, err := codec.Encode(in)
	require.NoError(t, err)
	var out T
	require.NoError(t, codec.Decode(flat, &out))
	assert.Equal(t, in, out)
}

func TestRoundTripEntities(t *testing.T) {
	roundTrip(t, domain.Parish{
		ID: "parish:1", Name: "Paróquia São José", Address: "Rua A, 10", City: "Campinas",
		State: "SP", ZipCode: "13000-000", Phone: "19 99999-0000", Email: "sj@paroquia.org",
		CreatedAt: at,
	})
	roundTrip(t, domain.User{
		ID: "user:1", Name: "Ana", Email: "ana@x.org", PasswordHash: "$2a$10$abc",
		Role: domain.RoleCatechumen, ParishID: "parish:1", Track: domain.TrackChild,
		CreatedAt: at, UpdatedAt: at.Add(time.Hour),
	})
	roundTrip(t, domain.Quiz{
		ID: "quiz:1", Title: "123", Description: "null", Theme: "true", Track: domain.TrackAdult,
		ParishID: "parish:1", CreatedBy: "user:2",
		Questions: []domain.Question{{ID: "1", Text: "Quem?", Options: []string{"a", "b", "c", "d"}, Correct: 3}},
		CreatedAt: at, ExpiresAt: at.Add(domain.QuizValidity), Status: domain.QuizPending, MaxScore: 150,
	})
	roundTrip(t, domain.QuizResponse{
		ID: "response:1", QuizID: "quiz:1", UserID: "user:1",
		Answers: []domain.Answer{{QuestionID: "1", Selected: 2, Correct: true}},
		Score:   80, XP: 70, CompletedAt: at,
	})
	roundTrip(t, domain.Invite{
		ID: "invite:1", ParishID: "parish:1", CreatedBy: "user:2", Email: "novo@x.org",
		Track: domain.TrackAdult, Token: "ab", CreatedAt: at, ExpiresAt: at.Add(domain.InviteValidity),
		Used: true, UsedAt: at.Add(time.Minute), UsedBy: "user:9",
	})
	roundTrip(t, domain.WeeklyGoal{UserID: "user:1", WeekStart: at, TargetXP: 100, CurrentXP: 110, Completed: true})
	roundTrip(t, domain.XPStats{UserID: "user:1", TotalXP: 4500, WeeklyXP: 20, WeekStart: at, LastUpdated: at, Level: 9})
}

func TestStringFieldsAreNotCoerced(t *testing.T) {
	var q domain.Quiz
	require.NoError(t, codec.Decode(map[string]string{"titulo": "2024", "descricao": "null"}, &q))
	assert.Equal(t, "2024", q.Title)
	assert.Equal(t, "null", q.Description)
}

func TestEncodeShapes(t *testing.T) {
	flat, err := codec.Encode(&domain.Quiz{Title: "T", CreatedAt: at, MaxScore: 150})
	require.NoError(t, err)
	assert.Equal(t, "150", flat["pontuacaoMaxima"])
	assert.Equal(t, "1712502245123", flat["criadoEm"])
	assert.Equal(t, "[]", flat["questoes"])
	assert.NotContains(t, flat, "erro")
	assert.NotContains(t, flat, "atualizadoEm")
}

func TestDecodeLegacyValues(t *testing.T) {
	var q domain.Quiz
	err := codec.Decode(map[string]string{
		"pontuacaoMaxima": "150.0",
		"criadoEm":        "2024-04-07T15:04:05.123Z",
		"expiraEm":        "1713107045123",
	}, &q)
	require.NoError(t, err)
	assert.Equal(t, 150, q.MaxScore)
	assert.Equal(t, at, q.CreatedAt)
	assert.Equal(t, at.Add(domain.QuizValidity), q.ExpiresAt)
}

func TestDecodeCollectsCorruptFields(t *testing.T) {
	var q domain.Quiz
	err := codec.Decode(map[string]string{
		"titulo":          "Ok",
		"questoes":        "not-json",
		"expiraEm":        "amanhã",
		"pontuacaoMaxima": "12.5",
	}, &q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, codec.ErrCorrupt))

	var de *codec.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"expiraEm", "pontuacaoMaxima", "questoes"}, de.FieldNames())
	assert.Equal(t, "Ok", q.Title, "parseable fields are still populated")
}

func TestDecodeRejectsNonPointer(t *testing.T) {
	assert.Error(t, codec.Decode(map[string]string{}, domain.Quiz{}))
}

func TestLoose(t *testing.T) {
	got := codec.Loose(map[string]string{
		"questoes": `[{"id":"1"}]`,
		"titulo":   "Batismo",
		"pontos":   "10",
	})
	assert.Equal(t, "Batismo", got["titulo"])
	assert.Equal(t, float64(10), got["pontos"])
	assert.Len(t, got["questoes"], 1)
}
