// Package apperr holds the error taxonomy shared by the directories, the router
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStore:
		return "store"
	default:
		return "unknown"
	}
}

var (
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrStore         = errors.New("store failure")
)

var sentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindAuthorization: ErrAuthorization,
	KindNotFound:      ErrNotFound,
	KindConflict:      ErrConflict,
	KindStore:         ErrStore,
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, apperr.ErrNotFound) match on kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(msg string) error    { return New(KindValidation, msg) }
func Authorization(msg string) error { return New(KindAuthorization, msg) }
func NotFound(msg string) error      { return New(KindNotFound, msg) }
func Conflict(msg string) error      { return New(KindConflict, msg) }

// KindOf reports the outermost taxonomy kind in err's chain. Errors that carry
// no kind are treated as store failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}
