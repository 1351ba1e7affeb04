// Package apperror defines the error kinds shared by the claim, submission,
// remittance and payment domains. Handlers map them to HTTP responses with
// HTTPStatus and PublicBody; services inspect them with errors.As.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Issue is a single field-level problem.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationError reports structural or field-level problems with input.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Field != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", is.Field, is.Message))
		} else {
			parts = append(parts, is.Message)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validation builds a ValidationError with a single issue.
func Validation(field, code, message string) *ValidationError {
	return &ValidationError{Issues: []Issue{{Field: field, Code: code, Message: message}}}
}

// BusinessError reports a violated business rule. Rule is a stable identifier
// such as "invalid-status-transition".
type BusinessError struct {
	Rule    string
	Message string
	Context map[string]any
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return e.Rule
	}
	return e.Rule + ": " + e.Message
}

// Business builds a BusinessError.
func Business(rule, message string, ctx map[string]any) *BusinessError {
	return &BusinessError{Rule: rule, Message: message, Context: ctx}
}

// IntegrationError reports a failed call to an external system. Body and
// StatusCode are diagnostic only and never returned to API clients.
type IntegrationError struct {
	Service    string
	Endpoint   string
	StatusCode int
	Retryable  bool
	Body       string
	Err        error
}

func (e *IntegrationError) Error() string {
	msg := fmt.Sprintf("integration %s", e.Service)
	if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// NotFound builds a NotFoundError.
func NotFound(entity, key string) *NotFoundError {
	return &NotFoundError{Entity: entity, Key: key}
}

// DatabaseError reports a persistence failure.
type DatabaseError struct {
	Op        string
	Duplicate bool
	Err       error
}

func (e *DatabaseError) Error() string {
	if e.Duplicate {
		return fmt.Sprintf("database %s: duplicate key: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is an IntegrationError marked retryable.
func IsRetryable(err error) bool {
	var ie *IntegrationError
	return errors.As(err, &ie) && ie.Retryable
}

// IsDuplicate reports whether err is a duplicate-key DatabaseError.
func IsDuplicate(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de) && de.Duplicate
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// RuleOf returns the BusinessError rule carried by err, or "".
func RuleOf(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Rule
	}
	return ""
}

// HTTPStatus maps an error to the status code returned at the API boundary.
func HTTPStatus(err error) int {
	var (
		ve *ValidationError
		be *BusinessError
		ie *IntegrationError
		nf *NotFoundError
		de *DatabaseError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &be):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ie):
		if ie.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	case errors.As(err, &de):
		if de.Duplicate {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned to API clients.
type Body struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Rule      string         `json:"rule,omitempty"`
	Issues    []Issue        `json:"issues,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Retryable *bool          `json:"retryable,omitempty"`
}

// PublicBody returns the client-facing payload for err. Validation and business
// failures carry full detail; integration and database failures are generic.
func PublicBody(err error) Body {
	var (
		ve *ValidationError
		be *BusinessError
		ie *IntegrationError
		nf *NotFoundError
		de *DatabaseError
	)
	switch {
	case errors.As(err, &ve):
		return Body{Kind: "validation", Message: "request failed validation", Issues: ve.Issues}
	case errors.As(err, &nf):
		return Body{Kind: "not-found", Message: nf.Error()}
	case errors.As(err, &be):
		return Body{Kind: "business", Message: be.Error(), Rule: be.Rule, Context: be.Context}
	case errors.As(err, &ie):
		r := ie.Retryable
		return Body{Kind: "integration", Message: "external service unavailable, please try again later", Retryable: &r}
	case errors.As(err, &de):
		if de.Duplicate {
			return Body{Kind: "conflict", Message: "resource already exists"}
		}
		return Body{Kind: "database", Message: "internal error"}
	default:
		return Body{Kind: "internal", Message: "internal error"}
	}
}
