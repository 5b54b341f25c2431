package prescription

import (
	"errors"
	"fmt"
)

// Kind classifies a failed operation.
type Kind string

const (
	KindInvalidArgument  Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindAlreadyDispensed Kind = "already_dispensed"
	KindAlreadyExists    Kind = "already_exists"
	KindStorageFailure   Kind = "storage_failure"
)

// Error is the failure returned by every Service operation.
type Error struct {
	Kind    Kind   `json:"kind"`
	ID      string `json:"prescription_id,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.ID != "" {
		msg = fmt.Sprintf("prescription %s: %s", e.ID, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works for
// every not-found failure regardless of id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAlreadyDispensed = &Error{Kind: KindAlreadyDispensed, Message: "already dispensed"}
	ErrAlreadyExists    = &Error{Kind: KindAlreadyExists, Message: "already exists"}
	ErrStorageFailure   = &Error{Kind: KindStorageFailure, Message: "storage failure"}
)

// KindOf returns the kind of err, or "" when err is not a prescription error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalidArgument(id, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, ID: id, Message: fmt.Sprintf(format, args...)}
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, ID: id, Message: "does not exist"}
}

func alreadyDispensed(id string) *Error {
	return &Error{Kind: KindAlreadyDispensed, ID: id, Message: "has already been dispensed"}
}

func alreadyExists(id string) *Error {
	return &Error{Kind: KindAlreadyExists, ID: id, Message: "already exists"}
}

func storageFailure(id, op string, err error) *Error {
	return &Error{Kind: KindStorageFailure, ID: id, Message: op + " failed", Err: err}
}
