package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for transport mapping.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindRateLimited
)

// Stable reason codes returned to callers.
const (
	CodeValidation          = "validation_failed"
	CodeInvalidURL          = "invalid_submission_url"
	CodeMissingCredential   = "missing_credential"
	CodeInvalidCredential   = "invalid_credential"
	CodeNotCreator          = "not_creator"
	CodeCreatorForbidden    = "creator_cannot_participate"
	CodeNotOwner            = "not_owner"
	CodeNotAuthor           = "not_author"
	CodeNotFound            = "not_found"
	CodeTaskNotOpen         = "task_not_open"
	CodeTaskNotDraft        = "task_not_draft"
	CodeDeadlinePassed      = "deadline_passed"
	CodeAlreadyAccepted     = "already_accepted"
	CodeNotAccepted         = "not_accepted"
	CodeAlreadySubmitted    = "already_submitted"
	CodeSubmissionLocked    = "submission_locked"
	CodeHasSubmissions      = "has_submissions"
	CodeAgentInactive       = "agent_inactive"
	CodeSubmissionMismatch  = "submission_not_in_task"
	CodeInsufficientBalance = "insufficient_balance"
	CodeNameTaken           = "name_taken"
	CodeEmailTaken          = "email_taken"
	CodeMaxDepth            = "max_depth_exceeded"
	CodeThrottled           = "throttled"
	CodeUnsupportedFile     = "unsupported_file"
)

// Error is a caller-facing failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return newError(KindValidation, CodeValidation, format, args...)
}

func conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

func forbidden(code, format string, args ...any) *Error {
	return newError(KindForbidden, code, format, args...)
}

func notFound(what string) *Error {
	return newError(KindNotFound, CodeNotFound, "%s not found", what)
}

func (e *Error) with(key string, v any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = v
	return e
}

func (e *Error) withCode(code string) *Error {
	e.Code = code
	return e
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err is an engine error with the given code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}
