package errors

import (
	"errors"
	"fmt"
)

// Kind names the layer an Error came from.
type Kind string

const (
	KindConfig    Kind = "config"
	KindDomain    Kind = "domain"
	KindTransport Kind = "transport"
	KindBootstrap Kind = "bootstrap"
	KindStorage   Kind = "storage"
	KindAuth      Kind = "auth"
	KindClient    Kind = "client"
)

// Failure classes shared by broker and client. Match them with errors.Is.
var (
	// ErrTransportFailure marks a dropped or unopenable connection. Retried via backoff.
	ErrTransportFailure = errors.New("transport failure")
	// ErrAuthRejected marks a credential refused at handshake.
	ErrAuthRejected = errors.New("credential rejected")
	// ErrAuthFailure is terminal: refresh and the interactive flow produced no credential.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrRequestTimeout fails a single correlated request.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrResourceOperation fails a single queued resource operation.
	ErrResourceOperation = errors.New("resource operation failed")
	// ErrValidationRejected marks a malformed, oversized or unsupported message.
	ErrValidationRejected = errors.New("validation rejected")
)

// Error is a failure annotated with the layer and operation that saw it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap annotates err. An err that already carries an *Error is returned
// unchanged so the innermost operation stays visible.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Mark attaches a failure class to err so errors.Is matches both the class
// and the original cause.
func Mark(class error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, class) {
		return err
	}
	return &marked{class: class, cause: err}
}

type marked struct {
	class error
	cause error
}

func (m *marked) Error() string {
	return fmt.Sprintf("%v: %v", m.class, m.cause)
}

func (m *marked) Unwrap() []error {
	return []error{m.class, m.cause}
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	for err != nil {
		if errors.As(err, &target) {
			return target.Kind == kind
		}
		err = errors.Unwrap(err)
	}
	return false
}
