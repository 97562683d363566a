// Package dserr defines the typed error kinds returned by the core to
// clients and federation peers, and their mapping to HTTP status codes.
package dserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of error the caller can act on programmatically.
type Kind string

const (
	// Auth
	KindUnauthorized Kind = "Unauthorized"

	// Validation
	KindInvalidRequest   Kind = "InvalidRequest"
	KindInvalidGroupInfo Kind = "InvalidGroupInfo"
	KindInvalidProof     Kind = "InvalidProof"

	// State
	KindConversationNotFound   Kind = "ConversationNotFound"
	KindRecipientNotFound      Kind = "RecipientNotFound"
	KindNoKeyPackagesAvailable Kind = "NoKeyPackagesAvailable"
	KindAlreadyMember          Kind = "AlreadyMember"
	KindNotMember              Kind = "NotMember"

	// Concurrency
	KindConflictDetected Kind = "ConflictDetected"

	// Authorization
	KindNotSequencer Kind = "NotSequencer"
	KindForbidden    Kind = "Forbidden"

	// Federation
	KindEndpointNotFound Kind = "EndpointNotFound"
	KindDsUnreachable    Kind = "DsUnreachable"
	KindResolutionFailed Kind = "ResolutionFailed"
	KindTransferFailed   Kind = "TransferFailed"
	KindRemoteError      Kind = "RemoteError"

	// Capacity
	KindTooManyMembers Kind = "TooManyMembers"
	KindRateLimited    Kind = "RateLimited"

	// Internal
	KindInternal Kind = "Internal"
)

// Error is a typed, client/peer-facing error. It carries enough structure
// for the request layer to map it to an HTTP status and JSON envelope
// without inspecting error strings.
type Error struct {
	Kind         Kind
	Message      string
	CurrentEpoch *uint32 // set for ConflictDetected
	RetryAfter   int     // seconds; set for RateLimited
	RemoteStatus int     // set for RemoteError
	RemoteBody   string  // set for RemoteError
	cause        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a typed error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error that chains an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Conflict builds a ConflictDetected error carrying the authoritative
// current epoch, as returned by a lost commit CAS.
func Conflict(currentEpoch uint32) *Error {
	e := currentEpoch
	return &Error{Kind: KindConflictDetected, Message: "epoch advanced concurrently", CurrentEpoch: &e}
}

// RateLimited builds a RateLimited error carrying a retry-after hint in
// seconds.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfterSeconds}
}

// Remote builds a RemoteError wrapping a peer DS's HTTP response. The
// peer's status is kept in RemoteStatus, but HTTPStatus maps every
// RemoteError to 502: a peer's 404 or 429 is not passed through.
func Remote(status int, body string) *Error {
	return &Error{Kind: KindRemoteError, Message: "remote DS returned an error", RemoteStatus: status, RemoteBody: body}
}

// HTTPStatus maps an error Kind to the HTTP status code the request layer
// should respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidRequest, KindInvalidGroupInfo, KindInvalidProof:
		return http.StatusBadRequest
	case KindConversationNotFound, KindRecipientNotFound, KindNoKeyPackagesAvailable, KindEndpointNotFound:
		return http.StatusNotFound
	case KindAlreadyMember, KindConflictDetected:
		return http.StatusConflict
	case KindNotMember, KindNotSequencer, KindForbidden:
		return http.StatusForbidden
	case KindTooManyMembers:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDsUnreachable:
		return http.StatusBadGateway
	case KindResolutionFailed:
		return http.StatusBadGateway
	case KindTransferFailed:
		return http.StatusConflict
	case KindRemoteError:
		return http.StatusBadGateway
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a *Error from err, or nil if err is not (or does not wrap) one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
