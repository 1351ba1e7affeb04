package middleware

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// RequestValidator adapts go-playground/validator to echo.Validator so
// handlers can call c.Validate on their request DTOs. Failures come back as
// apperror.ValidationError with one issue per field.
type RequestValidator struct {
	v *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &RequestValidator{v: v}
}

func (rv *RequestValidator) Validate(i interface{}) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("", "invalid", err.Error())
	}
	issues := make([]apperror.Issue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, apperror.Issue{
			Field:   fieldPath(fe),
			Code:    fe.Tag(),
			Message: issueMessage(fe),
		})
	}
	return &apperror.ValidationError{Issues: issues}
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func issueMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "gt", "gte":
		return fmt.Sprintf("%s must be %s %s", fe.Field(), map[string]string{"gt": "greater than", "gte": "at least"}[fe.Tag()], fe.Param())
	}
	return fmt.Sprintf("%s failed the %s check", fe.Field(), fe.Tag())
}
