// Package faults gives HashFS's operation-level failures a stable,
// programmatically matchable identity instead of ad-hoc sentinel errors.
package faults

import "fmt"

// Code categorizes a Fault the way the enclosing file system needs to
// dispatch on it (turn into an errno, log and continue, or abort).
type Code string

const (
	CodeKeyExists        Code = "KEY_ALREADY_PRESENT"
	CodeKeyReserved      Code = "KEY_RESERVED"
	CodeTableFull        Code = "TABLE_FULL"
	CodeStoragePoisoned  Code = "STORAGE_POISONED"
	CodeUndoLogInconsist Code = "UNDO_LOG_INCONSISTENT"
	CodeTxActive         Code = "TRANSACTION_ALREADY_ACTIVE"
	CodeTxNotActive      Code = "TRANSACTION_NOT_ACTIVE"
	CodeIO               Code = "IO_ERROR"
)

// Fault is the error type returned by HashFS's public operations for every
// failure kind named in its error-handling design. It wraps an optional
// underlying cause while exposing a stable Code for callers that need to
// dispatch programmatically rather than match on message text.
type Fault struct {
	code    Code
	message string
	cause   error
}

// New builds a Fault with no underlying cause.
func New(code Code, message string) *Fault {
	return &Fault{code: code, message: message}
}

// Wrap builds a Fault that carries cause as its chain predecessor, so
// errors.Is/errors.As continue to see through it.
func Wrap(cause error, code Code, message string) *Fault {
	return &Fault{code: code, message: message, cause: cause}
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.code, f.message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.code, f.message)
}

func (f *Fault) Unwrap() error { return f.cause }

func (f *Fault) Code() Code { return f.code }

// Is reports whether target is a *Fault with the same Code, so callers can
// write `errors.Is(err, faults.New(faults.CodeTableFull, ""))` or, more
// idiomatically, keep a single sentinel Fault per code and compare against
// that.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return other.code == f.code
}
