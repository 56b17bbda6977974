package service

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuth
	KindForbidden
	KindNotFound
	// KindConflict зарезервирован: при last-write-wins конфликты не возникают.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error — типизированная ошибка движка. Message безопасно отдавать клиенту.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func ValidationErr(format string, args ...any) error { return newErr(KindValidation, format, args...) }
func AuthErr(format string, args ...any) error       { return newErr(KindAuth, format, args...) }
func ForbiddenErr(format string, args ...any) error  { return newErr(KindForbidden, format, args...) }
func NotFoundErr(format string, args ...any) error   { return newErr(KindNotFound, format, args...) }

// KindOf возвращает вид ошибки или 0 для внутренних ошибок.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }
