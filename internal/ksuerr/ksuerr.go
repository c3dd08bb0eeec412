// Package ksuerr defines the error taxonomy shared by every ksud component.
//
// Components return *Error values (possibly wrapped further with fmt.Errorf)
// so the invoking layer can tell the kind of failure apart without string
// matching. Use Is or KindOf to inspect an error chain.
package ksuerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidPackage
	ParseError
	IoError
	NamespaceError
	KernelPolicyError
	NotSupported
	SignatureError
	ActionFailed
	PermissionDenied
	NoAction
)

var kindNames = map[Kind]string{
	Unknown:           "Unknown",
	NotFound:          "NotFound",
	InvalidPackage:    "InvalidPackage",
	ParseError:        "ParseError",
	IoError:           "IoError",
	NamespaceError:    "NamespaceError",
	KernelPolicyError: "KernelPolicyError",
	NotSupported:      "NotSupported",
	SignatureError:    "SignatureError",
	ActionFailed:      "ActionFailed",
	PermissionDenied:  "PermissionDenied",
	NoAction:          "NoAction",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "module.enable".
	Op string
	// Subject names what the operation acted on (module id, path, statement).
	Subject string
	// ExitStatus is set for ActionFailed.
	ExitStatus int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Op
	if e.Subject != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.Subject
	}
	if e.Kind == ActionFailed {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitStatus)
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Errorf returns an *Error whose cause is built from format.
func Errorf(kind Kind, op, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries an *Error of kind k anywhere in its chain.
func Is(err error, k Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Err
	}
	return false
}

// ExitStatus returns the script exit status carried by an ActionFailed error.
func ExitStatus(err error) (int, bool) {
	var e *Error
	for err != nil && errors.As(err, &e) {
		if e.Kind == ActionFailed {
			return e.ExitStatus, true
		}
		err = e.Err
	}
	return 0, false
}
