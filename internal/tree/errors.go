package tree

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/flowshelf/internal/sandbox"
)

// Error kinds. Every error returned by this package wraps exactly one.
var (
	ErrInvalidPath     = sandbox.ErrInvalidPath
	ErrIllegalName     = sandbox.ErrIllegalName
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrUnsupportedType = errors.New("unsupported type")
	ErrInvalidDocument = errors.New("invalid document")
	ErrIO              = errors.New("io failure")
)

// Wire codes returned by KindOf.
const (
	KindInvalidPath     = "invalid_path"
	KindIllegalName     = "illegal_name"
	KindNotFound        = "not_found"
	KindAlreadyExists   = "already_exists"
	KindUnsupportedType = "unsupported_type"
	KindInvalidDocument = "invalid_document"
	KindIOFailure       = "io_failure"
)

// Error records a failed tree operation.
type Error struct {
	Op   string // operation name, e.g. "rename"
	Path string // caller-supplied relative path
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps err to its wire code. Unclassified errors are I/O failures;
// nil maps to "".
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPath):
		return KindInvalidPath
	case errors.Is(err, ErrIllegalName):
		return KindIllegalName
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, ErrUnsupportedType):
		return KindUnsupportedType
	case errors.Is(err, ErrInvalidDocument):
		return KindInvalidDocument
	default:
		return KindIOFailure
	}
}

func newError(op, path string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Path: path, Err: fmt.Errorf("%w: "+format, append([]any{kind}, args...)...)}
}

// wrapError attaches op and path to an error that already carries a kind,
// such as one returned by the sandbox resolver.
func wrapError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}

// ioError classifies err as an I/O failure. Absolute paths are dropped so
// the message is safe to return to clients.
func ioError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: fmt.Errorf("%w: %w", ErrIO, cause(err))}
}
