package errorutil

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the lifecycle core and its outer surfaces.
const (
	CodeDuplicateTicket    = "DUPLICATE_TICKET"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeNotFound           = "NOT_FOUND"
	CodePersistenceCorrupt = "PERSISTENCE_CORRUPT"
	CodeStalePrompt        = "STALE_PROMPT"
	CodeValidation         = "VALIDATION_FAILED"
	CodeInternal           = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by Code, so any DomainError
// built by the constructors below matches the sentinel of its kind.
var (
	ErrDuplicateTicket    = &DomainError{Code: CodeDuplicateTicket, Message: "ticket already open"}
	ErrPermissionDenied   = &DomainError{Code: CodePermissionDenied, Message: "permission denied"}
	ErrUnauthorized       = &DomainError{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrNotFound           = &DomainError{Code: CodeNotFound, Message: "not found"}
	ErrPersistenceCorrupt = &DomainError{Code: CodePersistenceCorrupt, Message: "persistence corrupt"}
	ErrStalePrompt        = &DomainError{Code: CodeStalePrompt, Message: "prompt already resolved"}
	ErrValidation         = &DomainError{Code: CodeValidation, Message: "validation failed"}
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewDuplicateTicket(existingID string) error {
	return NewDomainError(CodeDuplicateTicket, "ticket already open for this category", http.StatusConflict,
		map[string]any{"ticket_id": existingID})
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusForbidden, nil)
}

// NewPermissionDenied wraps a collaborator authorization failure.
func NewPermissionDenied(message string, err error) error {
	return &DomainError{
		Code:       CodePermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
		Err:        err,
	}
}

func NewPersistenceCorrupt(err error) error {
	return &DomainError{
		Code:       CodePersistenceCorrupt,
		Message:    "persisted registry is malformed",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func NewStalePrompt(promptID string) error {
	return NewDomainError(CodeStalePrompt, "prompt already resolved", http.StatusConflict,
		map[string]any{"prompt_id": promptID})
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		if domainErr.HTTPStatus == 0 {
			copied := *domainErr
			copied.HTTPStatus = statusForCode(domainErr.Code)
			return &copied
		}
		return domainErr
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}

// CodeOf returns the DomainError code of err, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return ToDomainError(err).Code
}

func statusForCode(code string) int {
	switch code {
	case CodeDuplicateTicket, CodeStalePrompt:
		return http.StatusConflict
	case CodePermissionDenied, CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
