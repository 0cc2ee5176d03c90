package protocol

import "fmt"

type ErrorCode string

const (
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeInvalidArgument ErrorCode = "invalid_argument"
	CodeInternal        ErrorCode = "internal"
)

// Error is a rejection reported by the remote peer.
type Error struct {
	Code    ErrorCode `msgpack:"code"`
	Message string    `msgpack:"message"`
}

var (
	ErrUnauthenticated = &Error{Code: CodeUnauthenticated}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrInternal        = &Error{Code: CodeInternal}
)

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so callers can use errors.Is(err, ErrUnauthenticated).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func Unauthenticated(err error) *Error {
	return &Error{Code: CodeUnauthenticated, Message: err.Error()}
}

func InvalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}
