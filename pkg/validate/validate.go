// Package validate checks request structs against their `validate` tags and
// reports failures keyed by JSON field name.
//
// Besides the built-in tags it registers:
//
//	phone  ten digits once punctuation is stripped
//	hhmm   24-hour clock time, single-digit hours allowed
package validate

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var instance = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	mustRegister(v, "phone", func(fl validator.FieldLevel) bool {
		_, ok := NormalizePhone(fl.Field().String())
		return ok
	})
	mustRegister(v, "hhmm", func(fl validator.FieldLevel) bool {
		return Clock(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(err)
	}
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// Struct validates v and returns one message per failing top-level JSON
// field, or nil when v is valid.
func Struct(v any) map[string]string {
	err := instance.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"request": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := topLevel(fe.Namespace())
		if _, seen := out[field]; !seen {
			out[field] = message(fe)
		}
	}
	return out
}

// Var reports whether a single value satisfies tag.
func Var(value any, tag string) bool {
	return instance.Var(value, tag) == nil
}

// Email reports whether s is an email address.
func Email(s string) bool {
	return Var(s, "required,email")
}

// Clock reports whether s is a 24-hour HH:MM time.
func Clock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

// NormalizePhone returns the phone number formatted as (555) 555-5555, or
// false when it does not contain exactly ten digits.
func NormalizePhone(s string) (string, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) != 10 {
		return "", false
	}
	return "(" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:], true
}

// topLevel turns "NewEvent.recurrence.until" or "NewTask.assignedTo[2]" into
// the request field the client sent.
func topLevel(namespace string) string {
	parts := strings.SplitN(namespace, ".", 3)
	name := parts[len(parts)-1]
	if len(parts) > 1 {
		name = parts[1]
	}
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

func message(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Tag() {
	case "required", "required_if":
		return name + " is required"
	case "excluded_unless":
		return name + " is not allowed for this " + strings.ToLower(strings.Fields(fe.Param())[0])
	case "email":
		return "a valid email is required"
	case "phone":
		return "phone number must have 10 digits"
	case "hhmm":
		return "time must be HH:MM"
	case "datetime":
		return "date must be YYYY-MM-DD"
	case "oneof":
		return name + " must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "max":
		return name + " must be at most " + fe.Param() + " characters"
	case "gte", "min":
		return name + " must be at least " + fe.Param()
	}
	return name + " is invalid"
}
