// Package validation collects field errors from explicit validation
// functions. Domain types carry no validation tags; each check names its
// field and rule at the call site.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/medtech/clinic/internal/platform/apperr"
)

var validate *validator.Validate

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()-]{6,20}$`)

func init() {
	validate = validator.New()
	validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
}

var ruleMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email address",
	"min":      "must be at least %s",
	"max":      "must be at most %s",
	"len":      "must have length %s",
	"oneof":    "must be one of: %s",
	"numeric":  "must contain only digits",
	"url":      "must be a valid URL",
	"phone":    "must be a valid phone number",
	"gte":      "must be greater than or equal to %s",
	"lte":      "must be less than or equal to %s",
}

// Errors accumulates field errors. The zero value is ready to use.
type Errors struct {
	details []string
}

// Check validates value against a validator rule string such as
// "required,email" and records a message for the first failing rule.
func (e *Errors) Check(field string, value interface{}, rules string) {
	err := validate.Var(value, rules)
	if err == nil {
		return
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		e.Add(field, "is invalid")
		return
	}
	e.Add(field, message(verrs[0]))
}

// Add records a custom message for field.
func (e *Errors) Add(field, msg string) {
	e.details = append(e.details, field+": "+msg)
}

// Addf records a formatted message for field.
func (e *Errors) Addf(field, format string, args ...interface{}) {
	e.Add(field, fmt.Sprintf(format, args...))
}

func (e *Errors) Empty() bool { return len(e.details) == 0 }

func (e *Errors) Details() []string { return e.details }

// Err returns nil when no error was recorded, otherwise a validation error
// carrying every recorded detail.
func (e *Errors) Err(code, msg string) error {
	if e.Empty() {
		return nil
	}
	return apperr.Validation(code, msg, e.details...)
}

func message(fe validator.FieldError) string {
	tmpl, ok := ruleMessages[fe.Tag()]
	if !ok {
		return "is invalid"
	}
	if !strings.Contains(tmpl, "%s") {
		return tmpl
	}
	param := fe.Param()
	if fe.Tag() == "oneof" {
		param = strings.Join(strings.Fields(param), ", ")
	}
	return fmt.Sprintf(tmpl, param)
}

// Email reports whether s is a syntactically valid address.
func Email(s string) bool {
	return validate.Var(s, "required,email") == nil
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
