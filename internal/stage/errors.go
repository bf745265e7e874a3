package stage

import (
	"errors"
	"fmt"
)

// Kind classifies staging failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindSourceNotFound
	KindSourceUnreadable
	KindDestinationPathInvalid
	KindDestinationWriteError
	KindImageOpenError
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindSourceNotFound:         "SourceNotFound",
	KindSourceUnreadable:       "SourceUnreadable",
	KindDestinationPathInvalid: "DestinationPathInvalid",
	KindDestinationWriteError:  "DestinationWriteError",
	KindImageOpenError:         "ImageOpenError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrSourceNotFound         = &Error{Kind: KindSourceNotFound}
	ErrSourceUnreadable       = &Error{Kind: KindSourceUnreadable}
	ErrDestinationPathInvalid = &Error{Kind: KindDestinationPathInvalid}
	ErrDestinationWriteError  = &Error{Kind: KindDestinationWriteError}
	ErrImageOpenError         = &Error{Kind: KindImageOpenError}
)

// Error is a staging failure: the kind, the path it concerns (host path for
// source and image errors, in-image path for destination errors) and the
// underlying cause.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err,
// ErrSourceNotFound) works regardless of path and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Path == "" || t.Path == e.Path)
}

func newError(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
