package command

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/domain/shared"
)

var (
	validate   *validator.Validate
	translator ut.Translator
)

func init() {
	validate = validator.New()

	english := en.New()
	translator, _ = ut.New(english, english).GetTranslator("en")
	_ = enTranslations.RegisterDefaultTranslations(validate, translator)

	// Report JSON names so HTTP clients see their own field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerEnum("notblank", "this field cannot be blank", func(s string) bool {
		return strings.TrimSpace(s) != ""
	})
	registerEnum("action_type", "unknown action type", func(s string) bool {
		return escalation.ActionType(s).IsValid()
	})
	registerEnum("priority", "must be one of normal, high, urgent", func(s string) bool {
		return escalation.Priority(s).IsValid()
	})
	registerEnum("risk_level", "must be one of low, medium, high, critical", func(s string) bool {
		return risk.Level(s).IsValid()
	})
	registerEnum("stage", "unknown stage", func(s string) bool {
		_, err := risk.ParseStage(s)
		return err == nil
	})
	registerEnum("responder_role", "must be counsellor or listener", func(s string) bool {
		return s == string(risk.RoleCounsellor) || s == string(risk.RoleListener)
	})
}

func registerEnum(tag, message string, ok func(string) bool) {
	_ = validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return ok(fl.Field().String())
	})
	_ = validate.RegisterTranslation(tag, translator,
		func(ut.Translator) error { return nil },
		func(ut.Translator, validator.FieldError) string { return message },
	)
}

// ValidationError lists per-field problems of a rejected command.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(parts, "; "))
}

// Is makes ValidationError match shared.ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == shared.ErrValidation
}

// validateStruct runs the struct tags of cmd and converts failures into a
// ValidationError.
func validateStruct(op string, cmd interface{}) error {
	err := validate.Struct(cmd)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%s: %w", op, err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Translate(translator)
	}
	return &ValidationError{Op: op, Fields: fields}
}
