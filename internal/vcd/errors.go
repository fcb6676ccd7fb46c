package vcd

import (
	"errors"
	"fmt"
)

// ErrorKind classifies platform failures
type ErrorKind string

const (
	KindNotFound              ErrorKind = "NotFound"
	KindBadRequest            ErrorKind = "BadRequest"
	KindBusyEntity            ErrorKind = "BusyEntity"
	KindOperationNotSupported ErrorKind = "OperationNotSupported"
	// KindUnavailable covers transport failures and server side errors
	KindUnavailable ErrorKind = "Unavailable"
	KindGeneric     ErrorKind = "Generic"
)

// Error is a classified platform failure
type Error struct {
	Kind ErrorKind
	// Code is the platform minor error code when known, e.g. BUSY_ENTITY
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
		}
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with a formatted message
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error for the given entity
func NotFound(entity, name string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, name)}
}

// ErrOrgNotFound marks a lookup that failed because the organization itself does not exist
var ErrOrgNotFound = errors.New("organization not found")

// OrgNotFound builds a KindNotFound error matching ErrOrgNotFound
func OrgNotFound(org string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("organization %q", org), Err: ErrOrgNotFound}
}

// KindOf returns the kind of err, KindGeneric for unclassified errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsBadRequest is also true for busy entity rejections, which the platform reports as bad requests
func IsBadRequest(err error) bool {
	kind := KindOf(err)
	return err != nil && (kind == KindBadRequest || kind == KindBusyEntity)
}

func IsBusyEntity(err error) bool {
	return err != nil && KindOf(err) == KindBusyEntity
}

func IsOperationNotSupported(err error) bool {
	return err != nil && KindOf(err) == KindOperationNotSupported
}

func IsUnavailable(err error) bool {
	return err != nil && KindOf(err) == KindUnavailable
}
