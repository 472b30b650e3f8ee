package ingest

import (
	"fmt"

	"github.com/mjl-/mstore/translate"
)

// Kind is the machine-readable class of an append failure.
type Kind string

const (
	KindMessageTooLarge  Kind = "messagetoolarge"
	KindMailboxNotFound  Kind = "mailboxnotfound"
	KindOverQuota        Kind = "overquota"
	KindAliasUnavailable Kind = "aliasunavailable"
	KindPersistFailed    Kind = "persistfailed"
)

// Error is returned to the transport layer: a kind, an optional protocol hint
// code the transport maps to a response code, and a localized user-facing
// message. Internal details stay in the wrapped error and only reach the
// logs.
type Error struct {
	Kind    Kind
	Code    string // "TRYCREATE" or "OVERQUOTA", empty otherwise.
	Message string // Localized, safe to show the caller.
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches on Kind, so errors.Is(err, ErrOverQuota) works on wrapped and
// localized instances alike.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks by callers.
var (
	ErrMessageTooLarge  = &Error{Kind: KindMessageTooLarge}
	ErrMailboxNotFound  = &Error{Kind: KindMailboxNotFound, Code: "TRYCREATE"}
	ErrOverQuota        = &Error{Kind: KindOverQuota, Code: "OVERQUOTA"}
	ErrAliasUnavailable = &Error{Kind: KindAliasUnavailable}
	ErrPersistFailed    = &Error{Kind: KindPersistFailed}
)

func newError(kind Kind, code, locale, msgKey string, err error, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: translate.Translate(msgKey, locale, args...),
		err:     err,
	}
}
