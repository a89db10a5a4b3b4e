package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStaffUnassigned   = errors.New("request has no staff attribution assigned")
	ErrRemoteUnavailable = errors.New("remote backup unavailable")
)

type ConflictKind string

const (
	ConflictRequest    ConflictKind = "request"
	ConflictSession    ConflictKind = "session"
	ConflictInviteCode ConflictKind = "invite_code"
	ConflictStaff      ConflictKind = "staff"
)

// ConflictError is returned when a uniqueness rule would be violated by an operation.
// ExistingID references the entity that is still valid.
type ConflictError struct {
	Kind       ConflictKind
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting %s exists: %s", e.Kind, e.ExistingID)
}

// PermissionDeniedError carries the undeliverable notification so it can be delivered manually.
type PermissionDeniedError struct {
	RecipientID string
	Content     string
	Cause       error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("recipient %s does not accept direct messages", e.RecipientID)
}

func IsConflict(err error) (*ConflictError, bool) {
	conflict, ok := errors.Cause(err).(*ConflictError)
	return conflict, ok
}

func IsPermissionDenied(err error) (*PermissionDeniedError, bool) {
	denied, ok := errors.Cause(err).(*PermissionDeniedError)
	return denied, ok
}

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}
