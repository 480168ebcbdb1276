package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"catequiz.org/internal/ids"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"kv", "json"} {
			name, _, _ := strings.Cut(f.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	_ = validate.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("track", func(fl validator.FieldLevel) bool {
		return Track(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("quizstatus", func(fl validator.FieldLevel) bool {
		return QuizStatus(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("kindid", func(fl validator.FieldLevel) bool {
		return ids.Has(fl.Field().String(), fl.Param())
	})
	validate.RegisterStructValidation(quizRules, Quiz{})
}

// quizRules holds the cross-field invariants of a stored quiz.
func quizRules(sl validator.StructLevel) {
	q := sl.Current().Interface().(Quiz)
	if q.Status == QuizError && strings.TrimSpace(q.Error) == "" {
		sl.ReportError(q.Error, "erro", "Error", "required_with_error_status", "")
	}
	if !q.CreatedAt.IsZero() && !q.ExpiresAt.IsZero() && q.ExpiresAt.Before(q.CreatedAt) {
		sl.ReportError(q.ExpiresAt, "expiraEm", "ExpiresAt", "after_creation", "")
	}
	if q.Status.Open() && len(q.Questions) > 0 && len(q.Questions) != QuestionsPerQuiz {
		sl.ReportError(q.Questions, "questoes", "Questions", "question_count", fmt.Sprint(QuestionsPerQuiz))
	}
}

// Validate checks v against its struct tags and wraps failures in ErrInvalidInput.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fieldPath(fe.Namespace())+" ("+fe.Tag()+")")
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(parts, ", "))
}

// fieldPath drops the leading struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
