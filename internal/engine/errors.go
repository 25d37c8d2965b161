package engine

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by a Store when the object addressed by an
// operation does not exist. The engine treats it as a dangling reference.
var ErrNotFound = errors.New("object not found")

// UserError is a client-caused failure: malformed request, unknown session,
// unknown query, missing object. It is reported to the caller as a conflict.
type UserError struct {
	Reason string
	Err    error
}

func (e *UserError) Error() string {
	return e.Reason
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// ServerError is an internal invariant violation. It is always logged and
// reported to the caller with a generic failure status.
type ServerError struct {
	Reason string
}

func (e *ServerError) Error() string {
	return "internal error: " + e.Reason
}

func userErrorf(format string, args ...any) *UserError {
	return &UserError{Reason: fmt.Sprintf(format, args...)}
}

func notFoundError(ref *Reference) *UserError {
	return &UserError{Reason: fmt.Sprintf("object not found: %s", ref), Err: ErrNotFound}
}

func serverErrorf(format string, args ...any) *ServerError {
	return &ServerError{Reason: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err carries a *UserError.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// IsServerError reports whether err carries a *ServerError.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

// IsNotFound reports whether err means the store had no such object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// protect runs fn and turns a panic carrying an engine error into a returned
// error. Any other panic is a programming error and keeps unwinding.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *ServerError:
				err = e
			case *UserError:
				err = e
			default:
				panic(r)
			}
		}
	}()
	return fn()
}

// Describe returns the reason a caller may see for err and whether the
// caller is at fault. Anything not the caller's fault stays generic; callers
// log the error itself.
func Describe(err error) (reason string, userFault bool) {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue.Reason, true
	}
	return "internal server error", false
}
