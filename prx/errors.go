package prx

import (
	"errors"
	"fmt"

	"github.com/wnxd/microdbg-prx/kernel"
)

// Kind categorizes a load or lookup failure.
type Kind string

const (
	KindFormat            Kind = "format"
	KindCorruptFile       Kind = "corrupt_file"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindMap               Kind = "map"
	KindBlacklisted       Kind = "blacklisted"
	KindFileNotFound      Kind = "file_not_found"
	KindEmptyFile         Kind = "empty_file"
	KindLookup            Kind = "lookup"
	KindUnresolvedImport  Kind = "unresolved_import"
)

// Error is the single result type of every loader operation.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

var (
	ErrFormat            = &Error{Kind: KindFormat}
	ErrCorruptFile       = &Error{Kind: KindCorruptFile}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrMap               = &Error{Kind: KindMap}
	ErrBlacklisted       = &Error{Kind: KindBlacklisted}
	ErrFileNotFound      = &Error{Kind: KindFileNotFound}
	ErrEmptyFile         = &Error{Kind: KindEmptyFile}
	ErrLookup            = &Error{Kind: KindLookup}
	ErrUnresolvedImport  = &Error{Kind: KindUnresolvedImport}
)

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Code maps a result to the fixed kernel error code reported to guest code.
// Blacklisted modules count as success.
func Code(err error) uint32 {
	if err == nil {
		return kernel.ErrorOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return kernel.ErrorError
	}
	switch e.Kind {
	case KindBlacklisted:
		return kernel.ErrorOK
	case KindFileNotFound:
		return kernel.ErrorNoFile
	case KindEmptyFile:
		return kernel.ErrorIllegalObject
	case KindFormat, KindCorruptFile:
		return kernel.ErrorFileErr
	case KindUnsupportedFormat:
		return kernel.ErrorUnsupportedPRXType
	case KindMap:
		return kernel.ErrorMemblockAllocFailed
	case KindLookup:
		return kernel.ErrorUnknownModule
	}
	return kernel.ErrorError
}
