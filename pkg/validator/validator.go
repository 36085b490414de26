// Package validator checks request payloads against their `validate` tags and reports
// failures with json field names and readable messages.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// Errors is returned by Struct when at least one field fails.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(e))
	for i, fe := range e {
		messages[i] = fe.Message
	}
	return strings.Join(messages, "; ")
}

// Struct validates s. Failures come back as Errors; anything else (a non-struct argument,
// for instance) is returned unchanged.
func Struct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var failures validator.ValidationErrors
	if !errors.As(err, &failures) {
		return err
	}
	out := make(Errors, 0, len(failures))
	for _, fe := range failures {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Param:   fe.Param(),
			Message: describe(fe.Field(), fe.Tag(), fe.Param()),
		})
	}
	return out
}

func describe(field, rule, param string) string {
	name := strings.ReplaceAll(field, "_", " ")
	switch rule {
	case "required":
		return name + " is required"
	case "email":
		return name + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, param)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", name, param)
	case "numeric":
		return name + " must contain only digits"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, strings.ReplaceAll(param, " ", ", "))
	case "uuid", "uuid4":
		return name + " must be a valid UUID"
	}
	if param != "" {
		return fmt.Sprintf("%s failed %s=%s", name, rule, param)
	}
	return fmt.Sprintf("%s failed %s", name, rule)
}

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}
