// Package errors defines the error taxonomy shared by the credential
// subsystem. Every error raised at a package boundary carries a Kind that
// callers can check with errors.Is against the sentinels below, plus a
// remediation string telling the user what to run next.
package errors

import (
	"errors"
	"strings"
)

// Kind classifies a credential subsystem failure.
type Kind string

const (
	KindMissingCredentials       Kind = "missing_credentials"
	KindAuthRequired             Kind = "auth_required"
	KindInvalidRedirect          Kind = "invalid_redirect"
	KindStateMismatch            Kind = "state_mismatch"
	KindTimeout                  Kind = "timeout"
	KindNoRefreshToken           Kind = "no_refresh_token"
	KindInvalidServiceAccountKey Kind = "invalid_service_account_key"
	KindDecryptionFailure        Kind = "decryption_failure"
	KindInvalidInput             Kind = "invalid_input"
	KindMissingAccount           Kind = "missing_account"
)

// Sentinels, one per kind. Use errors.Is(err, ErrTimeout) and friends.
var (
	ErrMissingCredentials       = &Error{Kind: KindMissingCredentials, Message: "OAuth client credentials not found"}
	ErrAuthRequired             = &Error{Kind: KindAuthRequired, Message: "authorization required"}
	ErrInvalidRedirect          = &Error{Kind: KindInvalidRedirect, Message: "invalid OAuth redirect"}
	ErrStateMismatch            = &Error{Kind: KindStateMismatch, Message: "OAuth state mismatch"}
	ErrTimeout                  = &Error{Kind: KindTimeout, Message: "timed out waiting for OAuth callback"}
	ErrNoRefreshToken           = &Error{Kind: KindNoRefreshToken, Message: "no refresh token returned"}
	ErrInvalidServiceAccountKey = &Error{Kind: KindInvalidServiceAccountKey, Message: "invalid service account key"}
	ErrDecryptionFailure        = &Error{Kind: KindDecryptionFailure, Message: "failed to decrypt secret store"}
	ErrInvalidInput             = &Error{Kind: KindInvalidInput, Message: "invalid input"}
	ErrMissingAccount           = &Error{Kind: KindMissingAccount, Message: "no account selected"}
)

// Error is a classified failure with a human remediation hint.
type Error struct {
	Kind        Kind
	Message     string
	Remediation string
	Err         error
}

// New returns an Error of the given kind.
func New(kind Kind, message, remediation string) *Error {
	return &Error{Kind: kind, Message: message, Remediation: remediation}
}

// Wrap returns an Error of the given kind that wraps err.
func Wrap(kind Kind, err error, message, remediation string) *Error {
	return &Error{Kind: kind, Message: message, Remediation: remediation, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Message)

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind
// rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// RemediationOf returns the first non-empty remediation in err's chain.
func RemediationOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}

		if e.Remediation != "" {
			return e.Remediation
		}

		err = e.Err
	}

	return ""
}
