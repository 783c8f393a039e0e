package validator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes a single struct field that failed validation
type FieldError struct {
	Namespace string
	Tag       string
	Param     string
}

func (fe FieldError) String() string {
	if fe.Param != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Namespace, fe.Tag, fe.Param)
	}
	return fmt.Sprintf("%s failed %s", fe.Namespace, fe.Tag)
}

// Error collects all failed fields of one validation run
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// get returns the shared validator instance, registering the custom tags once
func get() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// timezone: empty or loadable by time.LoadLocation
		_ = validate.RegisterValidation("timezone", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			if name == "" {
				return true
			}
			_, err := time.LoadLocation(name)
			return err == nil
		})
	})
	return validate
}

// Struct validates v against its `validate` tags.
// The returned error is nil or *Error.
func Struct(v interface{}) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Fields: []FieldError{{Namespace: "unknown", Tag: err.Error()}}}
	}

	out := &Error{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Namespace: fe.Namespace(),
			Tag:       fe.Tag(),
			Param:     fe.Param(),
		})
	}
	return out
}
