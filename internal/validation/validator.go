// Package validation wraps a shared go-playground validator that reports
// failures by JSON field name.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is the first failing field of a struct.
type FieldError struct {
	Field string
	Tag   string
	Param string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason())
}

// Reason renders the failed rule in words.
func (e *FieldError) Reason() string {
	switch e.Tag {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + e.Param
	case "max", "lte":
		return "must be at most " + e.Param
	case "gt":
		return "must be greater than " + e.Param
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(e.Param, " ", ", ")
	default:
		return fmt.Sprintf("failed %q validation", e.Tag)
	}
}

// Get returns the shared validator.
func Get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Struct validates s and returns a *FieldError for the first failing field.
func Struct(s any) error {
	err := Get().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &FieldError{Field: fe.Field(), Tag: fe.Tag(), Param: fe.Param()}
	}
	return err
}
