package common

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is against any error returned by the core.
var (
	ErrConnection           = errors.New("connection error")
	ErrAuthentication       = errors.New("authentication error")
	ErrTimeout              = errors.New("timeout")
	ErrCommandValidation    = errors.New("command validation error")
	ErrCommandExecution     = errors.New("command execution error")
	ErrConfiguration        = errors.New("configuration error")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrRetryExhausted       = errors.New("retry attempts exhausted")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrMonitoring           = errors.New("monitoring error")
)

// Error - An error raised by the core, carrying the device and the attempted operation.
// Never put secret material in Op or Detail.
type Error struct {
	Kind   error
	Device string
	Op     string
	Detail string
	Err    error
	// Fatal marks failures that need manual intervention (failed rollback).
	Fatal bool
}

// NewError - Create an error of the given kind.
func NewError(kind error, device string, op string, err error) *Error {
	return &Error{Kind: kind, Device: device, Op: op, Err: err}
}

// Errorf - Create an error of the given kind with a formatted detail message and no cause.
func Errorf(kind error, device string, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Device: device, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Fatal {
		b.WriteString("fatal: ")
	}
	if e.Device != "" {
		b.WriteString("device ")
		b.WriteString(e.Device)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap - Expose the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is - Match the error kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// IsFatal - Check if any error in the chain is marked fatal.
func IsFatal(err error) bool {
	var coreErr *Error
	for err != nil {
		if errors.As(err, &coreErr) {
			if coreErr.Fatal {
				return true
			}
			err = coreErr.Err
			continue
		}
		return false
	}
	return false
}
