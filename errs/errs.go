// Package errs holds the error kinds shared by every layer of the datastore.
// Callers match them with errors.Is.
package errs

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrCorrupt    = errors.New("corrupt")
	ErrOutOfOrder = errors.New("out of order")
	ErrIO         = errors.New("i/o error")
	ErrConflict   = errors.New("conflict")
)

// IO wraps a backend failure so that it matches ErrIO while keeping the
// underlying error reachable through errors.Unwrap.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *ioError) Unwrap() []error {
	return []error{ErrIO, e.err}
}
