// Package errors defines coded domain errors. Services return these so callers
// can branch on a stable Code instead of matching message text.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a domain error. Codes are stable and safe to surface to
// callers; messages are for humans.
type Code string

const (
	// Invite state. Permanent for the invite in question.
	CodeInvalidInvite     Code = "invalid_invite"
	CodeInviteAlreadyUsed Code = "invite_already_used"
	CodeInviteExpired     Code = "invite_expired"

	// Caller input.
	CodeInvalidInput       Code = "invalid_input"
	CodeInvalidDemographic Code = "invalid_demographic"

	// Citizen index paging. Both indicate an upstream page-addressing defect.
	CodeCitizenIndexFull  Code = "citizen_index_full"
	CodeIndexPageMismatch Code = "index_page_mismatch"

	// Storage facts translated for callers.
	CodeCitizenExists Code = "citizen_exists"
	CodeNotFound      Code = "not_found"
	CodeConflict      Code = "conflict"

	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal when err
// carries none.
func CodeOf(err error) Code {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
