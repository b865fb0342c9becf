package baseerror

import "fmt"

// Error is a sentinel that may have a parent sentinel, so errors.Is matches
// both the error itself and every one of its ancestors.
type Error struct {
	parent error
	msg    string
}

func New(msg string) *Error {
	return &Error{msg: msg}
}

// New derives a child sentinel from err.
func (err *Error) New(msg string) *Error {
	return &Error{
		parent: err,
		msg:    msg,
	}
}

// Describef returns an error that matches err with errors.Is and carries an
// additional description. The arguments are formatted into text, so the
// types of any underlying errors are not reachable through the result.
func (err *Error) Describef(format string, args ...interface{}) error {
	return &described{
		kind:   err,
		detail: fmt.Sprintf(format, args...),
	}
}

func (err *Error) Error() string {
	return err.msg
}

func (err *Error) Unwrap() error {
	return err.parent
}

type described struct {
	kind   *Error
	detail string
}

func (d *described) Error() string {
	return d.kind.msg + ": " + d.detail
}

func (d *described) Unwrap() error {
	return d.kind
}
