package domain

import (
	"strings"
	"time"
)

const (
	QuestionsPerQuiz    = 15
	OptionsPerQuestion  = 4
	PointsPerQuestion   = 10
	QuizValidity        = 7 * 24 * time.Hour
	InviteValidity      = 30 * 24 * time.Hour
	DefaultWeeklyTarget = 50
	MinPasswordLength   = 6
)

// Role decides what a user may do inside their parish.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCatechist  Role = "catequista"
	RoleCatechumen Role = "catequisando"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCatechist, RoleCatechumen:
		return true
	}
	return false
}

// Staff roles may author quizzes and invite catechumens.
func (r Role) Staff() bool { return r == RoleAdmin || r == RoleCatechist }

// Track is the adult or child catechesis path.
type Track string

const (
	TrackAdult Track = "adulto"
	TrackChild Track = "crianca"
)

func (t Track) Valid() bool { return t == TrackAdult || t == TrackChild }

// QuizStatus is the lifecycle state persisted on a quiz.
type QuizStatus string

const (
	QuizGenerating QuizStatus = "gerando"
	QuizPending    QuizStatus = "pendente"
	QuizActive     QuizStatus = "ativo"
	QuizClosed     QuizStatus = "encerrado"
	QuizError      QuizStatus = "erro"
)

func (s QuizStatus) Valid() bool {
	switch s {
	case QuizGenerating, QuizPending, QuizActive, QuizClosed, QuizError:
		return true
	}
	return false
}

// Open reports whether the quiz still accepts responses, ignoring expiry.
func (s QuizStatus) Open() bool { return s == QuizPending || s == QuizActive }

// ParseQuizStatus accepts stored values plus the English aliases older records used.
func ParseQuizStatus(raw string) (QuizStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gerando", "generating":
		return QuizGenerating, true
	case "pendente", "pending":
		return QuizPending, true
	case "ativo", "active":
		return QuizActive, true
	case "encerrado", "closed", "completed", "expired":
		return QuizClosed, true
	case "erro", "error":
		return QuizError, true
	}
	return "", false
}

type Parish struct {
	ID        string    `kv:"id" json:"id"`
	Name      string    `kv:"nome" json:"nome" validate:"required,max=200"`
	Address   string    `kv:"endereco" json:"endereco" validate:"max=300"`
	City      string    `kv:"cidade" json:"cidade" validate:"required,max=120"`
	State     string    `kv:"estado" json:"estado" validate:"required,max=60"`
	ZipCode   string    `kv:"cep" json:"cep" validate:"max=20"`
	Phone     string    `kv:"telefone" json:"telefone" validate:"max=40"`
	Email     string    `kv:"email" json:"email" validate:"omitempty,email"`
	Website   string    `kv:"website,omitempty" json:"website,omitempty" validate:"omitempty,url"`
	CreatedAt time.Time `kv:"criadoEm" json:"criadoEm"`
}

type User struct {
	ID           string    `kv:"id" json:"id"`
	Name         string    `kv:"nome" json:"nome" validate:"required,max=200"`
	Email        string    `kv:"email" json:"email" validate:"required,email"`
	PasswordHash string    `kv:"password" json:"-" validate:"required"`
	Role         Role      `kv:"role" json:"role" validate:"role"`
	ParishID     string    `kv:"parishId" json:"parishId" validate:"kindid=parish"`
	Track        Track     `kv:"tipo,omitempty" json:"tipo,omitempty" validate:"omitempty,track"`
	CreatedAt    time.Time `kv:"criadoEm" json:"criadoEm"`
	UpdatedAt    time.Time `kv:"atualizadoEm,omitempty" json:"atualizadoEm,omitempty"`
}

type Question struct {
	ID      string   `json:"id" validate:"required"`
	Text    string   `json:"texto" validate:"required"`
	Options []string `json:"opcoes" validate:"len=4,dive,required"`
	Correct int      `json:"opcaoCorreta" validate:"min=0,max=3"`
}

type Quiz struct {
	ID          string     `kv:"id" json:"id"`
	Title       string     `kv:"titulo" json:"titulo" validate:"required,max=200"`
	Description string     `kv:"descricao" json:"descricao" validate:"max=2000"`
	Theme       string     `kv:"tema" json:"tema" validate:"required,max=500"`
	Track       Track      `kv:"tipo" json:"tipo" validate:"track"`
	ParishID    string     `kv:"parishId" json:"parishId" validate:"kindid=parish"`
	CreatedBy   string     `kv:"criadoPor" json:"criadoPor" validate:"required"`
	Questions   []Question `kv:"questoes" json:"questoes" validate:"max=15,dive"`
	CreatedAt   time.Time  `kv:"criadoEm" json:"criadoEm"`
	ExpiresAt   time.Time  `kv:"expiraEm" json:"expiraEm"`
	Status      QuizStatus `kv:"status" json:"status" validate:"quizstatus"`
	MaxScore    int        `kv:"pontuacaoMaxima" json:"pontuacaoMaxima"`
	Error       string     `kv:"erro,omitempty" json:"erro,omitempty"`
	UpdatedAt   time.Time  `kv:"atualizadoEm,omitempty" json:"atualizadoEm,omitempty"`
}

// Expired reports whether now is past the quiz expiry.
func (q Quiz) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// EffectiveStatus treats an expired open quiz as closed before any sweep rewrites it.
func (q Quiz) EffectiveStatus(now time.Time) QuizStatus {
	if q.Status.Open() && q.Expired(now) {
		return QuizClosed
	}
	return q.Status
}

type Answer struct {
	QuestionID string `json:"questionId"`
	Selected   int    `json:"opcaoSelecionada"`
	Correct    bool   `json:"estaCorreta"`
}

type QuizResponse struct {
	ID          string    `kv:"id" json:"id"`
	QuizID      string    `kv:"quizId" json:"quizId" validate:"kindid=quiz"`
	UserID      string    `kv:"userId" json:"userId" validate:"kindid=user"`
	ParishID    string    `kv:"parishId,omitempty" json:"parishId,omitempty"`
	Answers     []Answer  `kv:"respostas" json:"respostas"`
	Score       int       `kv:"pontuacao" json:"pontuacao" validate:"min=0,max=100"`
	XP          int64     `kv:"xp" json:"xp" validate:"min=0"`
	CompletedAt time.Time `kv:"completadoEm" json:"completadoEm"`
}

// CorrectCount counts correctly answered questions.
func (r QuizResponse) CorrectCount() int {
	n := 0
	for _, a := range r.Answers {
		if a.Correct {
			n++
		}
	}
	return n
}

type Invite struct {
	ID        string    `kv:"id" json:"id"`
	ParishID  string    `kv:"parishId" json:"parishId" validate:"kindid=parish"`
	CreatedBy string    `kv:"criadoPor" json:"criadoPor" validate:"required"`
	Email     string    `kv:"email" json:"email" validate:"required,email"`
	Track     Track     `kv:"tipo" json:"tipo" validate:"track"`
	Token     string    `kv:"token" json:"token" validate:"required,len=64,hexadecimal"`
	CreatedAt time.Time `kv:"criadoEm" json:"criadoEm"`
	ExpiresAt time.Time `kv:"expiraEm" json:"expiraEm"`
	Used      bool      `kv:"usado" json:"usado"`
	UsedAt    time.Time `kv:"usadoEm,omitempty" json:"usadoEm,omitempty"`
	UsedBy    string    `kv:"usadoPor,omitempty" json:"usadoPor,omitempty"`
}

// XPStats is the per-user XP ledger entry.
type XPStats struct {
	UserID      string    `kv:"userId" json:"userId"`
	TotalXP     int64     `kv:"totalXP" json:"totalXP"`
	WeeklyXP    int64     `kv:"weeklyXP" json:"weeklyXP"`
	WeekStart   time.Time `kv:"weekStart" json:"weekStart"`
	LastUpdated time.Time `kv:"lastUpdated" json:"lastUpdated"`
	Level       int       `kv:"level" json:"level"`
}

// WeeklyGoal tracks XP progress for one user in one week.
type WeeklyGoal struct {
	UserID    string    `kv:"userId" json:"userId"`
	WeekStart time.Time `kv:"weekStartDate" json:"weekStartDate"`
	TargetXP  int64     `kv:"targetXP" json:"targetXP"`
	CurrentXP int64     `kv:"currentXP" json:"currentXP"`
	Completed bool      `kv:"completed" json:"completed"`
}

// NormalizeEmail is the form stored in the unique e-mail index.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
