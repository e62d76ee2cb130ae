package ws

import (
	"errors"

	"chathub/internal/store"
)

// Kind 是返回给客户端 error 事件里的错误分类。
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindForbidden      Kind = "forbidden"
	KindInternal       Kind = "internal"
	KindRateLimited    Kind = "rate_limited"
)

// Error carries a client-safe Message; Err is the cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Authentication(msg string, err error) error {
	return &Error{Kind: KindAuthentication, Message: msg, Err: err}
}

func Validation(msg string) error { return &Error{Kind: KindValidation, Message: msg} }

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Message: msg} }

func Forbidden(msg string) error { return &Error{Kind: KindForbidden, Message: msg} }

func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf 返回错误分类，未分类的错误一律视为 internal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage is what the originating connection sees in its error event.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// storeErr maps store sentinels onto the taxonomy; what names the looked-up entity.
func storeErr(err error, what, failMsg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFound(what + " not found")
	case errors.Is(err, store.ErrNotMember):
		return Forbidden("not a member of this workspace")
	default:
		return Internal(failMsg, err)
	}
}
