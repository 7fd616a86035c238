// Package autherr defines the typed errors returned by every stage of token
// acquisition. Runtime and protocol failures are returned as *Error values;
// programming errors (misuse of a request after it started) panic instead.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Code classifies an Error.
type Code string

const (
	// CodeInvalidArgument is a bad or missing caller-supplied argument. Never retried.
	CodeInvalidArgument Code = "developer_invalid_argument"

	// CodeAuthorityValidation is returned when the authority could not be validated.
	CodeAuthorityValidation Code = "authority_validation"

	// CodeCache is a token cache read, write or deserialize failure.
	CodeCache Code = "cache_error"

	// CodeNetwork means the token endpoint was unreachable or returned a server fault.
	CodeNetwork Code = "network_or_server_error"

	// CodeProtocol is an OAuth error returned by the server (invalid_grant, ...).
	CodeProtocol Code = "oauth_protocol_error"

	// CodeUserCancelled is returned when the interactive session was dismissed.
	CodeUserCancelled Code = "user_cancelled"

	// CodeNonHTTPSRedirect is returned when the browser was redirected off https.
	CodeNonHTTPSRedirect Code = "non_https_redirect"

	// CodeBroker is a broker integrity or protocol violation.
	CodeBroker Code = "broker_protocol_error"

	// CodeUserInputNeeded means a silent request could not be satisfied.
	CodeUserInputNeeded Code = "user_input_needed"

	// CodeInteractionInProgress means another interactive request holds the UI.
	CodeInteractionInProgress Code = "interaction_in_progress"

	// CodeWrongUser means the server signed in a different user than required.
	CodeWrongUser Code = "wrong_user"
)

// Domain identifies where an error originated.
type Domain string

const (
	DomainOIDC   Domain = "oidc"
	DomainServer Domain = "oauth_server"
	DomainHTTP   Domain = "http"
	DomainCache  Domain = "cache"
	DomainBroker Domain = "broker"
)

// OAuth2 protocol error codes (RFC 6749 section 5.2) the engine reacts to.
const (
	ProtocolInvalidGrant        = "invalid_grant"
	ProtocolInteractionRequired = "interaction_required"
	ProtocolInvalidScope        = "invalid_scope"
	ProtocolAccessDenied        = "access_denied"
	ProtocolStateMismatch       = "state_mismatch"
	ProtocolMultipleUsers       = "multiple_users"
)

// Error is the error type returned by the engine.
type Error struct {
	Code          Code
	Domain        Domain
	ProtocolCode  string
	Message       string
	StatusCode    int
	CorrelationID uuid.UUID
	Cause         error
}

// Error returns the error message
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.ProtocolCode != "" {
		b.WriteString(" (")
		b.WriteString(e.ProtocolCode)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.CorrelationID != uuid.Nil {
		fmt.Fprintf(&b, " [correlation_id=%s]", e.CorrelationID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCorrelationID returns a copy of e stamped with id. An already-stamped
// error keeps its original id.
func (e *Error) WithCorrelationID(id uuid.UUID) *Error {
	if e.CorrelationID != uuid.Nil {
		return e
	}
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// WithCause returns a copy of e whose cause is err. If e already has a cause,
// err is appended to the chain.
func (e *Error) WithCause(err error) *Error {
	if err == nil {
		return e
	}
	cp := *e
	if cp.Cause == nil {
		cp.Cause = err
	} else {
		cp.Cause = errors.Join(cp.Cause, err)
	}
	return &cp
}

// New creates a new error
func New(code Code, domain Domain, message string, cause error) *Error {
	return &Error{Code: code, Domain: domain, Message: message, Cause: cause}
}

// InvalidArgument reports a missing or malformed argument.
func InvalidArgument(argument, reason string) *Error {
	return New(CodeInvalidArgument, DomainOIDC, fmt.Sprintf("invalid argument %q: %s", argument, reason), nil)
}

// AuthorityValidation reports that authority could not be validated.
func AuthorityValidation(authority string, cause error) *Error {
	return New(CodeAuthorityValidation, DomainOIDC, fmt.Sprintf("authority %s could not be validated", authority), cause)
}

// Cache wraps a token cache failure during op.
func Cache(op string, cause error) *Error {
	return New(CodeCache, DomainCache, op, cause)
}

// Network reports a transport failure or an unexpected HTTP status.
func Network(message string, status int, cause error) *Error {
	e := New(CodeNetwork, DomainHTTP, message, cause)
	e.StatusCode = status
	return e
}

// Protocol reports an OAuth error response.
func Protocol(protocolCode, description string, status int) *Error {
	return &Error{
		Code:         CodeProtocol,
		Domain:       DomainServer,
		ProtocolCode: protocolCode,
		Message:      description,
		StatusCode:   status,
	}
}

// Cancelled reports that the user dismissed the interactive session.
func Cancelled(cause error) *Error {
	return New(CodeUserCancelled, DomainOIDC, "the user cancelled the authentication session", cause)
}

// NonHTTPSRedirect reports a navigation to a non-https target.
func NonHTTPSRedirect(target string) *Error {
	return New(CodeNonHTTPSRedirect, DomainOIDC, "refusing to follow non-https redirect to "+target, nil)
}

// Broker reports a broker protocol or integrity violation.
func Broker(message string, cause error) *Error {
	return New(CodeBroker, DomainBroker, message, cause)
}

// UserInputNeeded reports that a silent request needs user interaction.
func UserInputNeeded(message string) *Error {
	return New(CodeUserInputNeeded, DomainOIDC, message, nil)
}

// InteractionInProgress reports that another interactive request is active.
func InteractionInProgress() *Error {
	return New(CodeInteractionInProgress, DomainOIDC, "another interactive authentication request is in progress", nil)
}

// WrongUser reports that the server authenticated a different user.
func WrongUser(expected, actual string) *Error {
	return New(CodeWrongUser, DomainOIDC, fmt.Sprintf("expected user %q but %q signed in", expected, actual), nil)
}

// CodeOf returns the Code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ProtocolCodeOf returns the OAuth error code of the first *Error in err's chain.
func ProtocolCodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.ProtocolCode
	}
	return ""
}

// IsInvalidGrant reports whether err is an invalid_grant protocol error.
func IsInvalidGrant(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeProtocol && e.ProtocolCode == ProtocolInvalidGrant
}

// IsCancelled reports whether err is a user cancellation.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeUserCancelled
}

// IsCache reports whether err is a cache failure.
func IsCache(err error) bool {
	return CodeOf(err) == CodeCache
}

// IsRetryableServer reports whether err is a transport failure or a 5xx
// response, the only failures worth retrying or serving an extended
// lifetime token for.
func IsRetryableServer(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeNetwork {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError
}

// IsFatal reports whether err must end the request without any fallback.
func IsFatal(err error) bool {
	switch CodeOf(err) {
	case CodeNonHTTPSRedirect, CodeBroker, CodeInvalidArgument:
		return true
	}
	return false
}
