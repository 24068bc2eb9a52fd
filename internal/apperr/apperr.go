// Package apperr implements the error taxonomy shared by the hub, agent and
// exporter. It generalizes the AppError pattern (a machine-readable code,
// a human message, optional details, and a status mapping) to the
// JSON-RPC and state-machine errors this system produces instead of the
// HTTP-only errors the pattern originally carried.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error identifier, stable across releases and
// safe to switch on in caller code.
type Code string

const (
	CodeProtocolError      Code = "PROTOCOL_ERROR"
	CodeConnectionClosed   Code = "CONNECTION_CLOSED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodePermissionLost     Code = "PERMISSION_LOST"
	CodeNoSuchCandidates   Code = "NO_SUCH_CANDIDATES"
	CodeNoMatchingPlace    Code = "NO_MATCHING_PLACE"
	CodeAllCandidatesGone  Code = "ALL_CANDIDATES_GONE"
	CodeAlreadyReserved    Code = "ALREADY_RESERVED"
	CodeAlreadyAttached    Code = "ALREADY_ATTACHED"
	CodeNotReserved        Code = "NOT_RESERVED"
	CodeNotAttached        Code = "NOT_ATTACHED"
	CodeStillAttached      Code = "STILL_ATTACHED"
	CodePortOutOfRange     Code = "PORT_OUT_OF_RANGE"
	CodeAttachTimeout      Code = "ATTACH_TIMEOUT"
	CodeTunnelReadyTimeout Code = "TUNNEL_READY_TIMEOUT"
	CodeAuthError          Code = "AUTH_ERROR"
	CodeUseEitherArgsKwargs Code = "USE_EITHER_ARGS_OR_KWARGS"
	CodeMethodNotFound     Code = "METHOD_NOT_FOUND"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// JSON-RPC 2.0 reserved error codes (spec.md §4.1 "CODE_*" names).
const (
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInternalError  = -32603
	RPCCodeParseError     = -32700
)

// Error is a standardized application error: a code for programmatic
// handling, a human message, and optional details for diagnostics.
type Error struct {
	Code    Code
	Message string
	Details string
	// RPCCode is the JSON-RPC 2.0 numeric code to use when this error is
	// surfaced as an ErrorResponse. Zero means "not RPC-fatal" (e.g. a
	// state-machine error only ever seen by the local CLI).
	RPCCode int
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is supports errors.Is(err, apperr.New(code, "")) by comparing codes,
// ignoring message/details.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, RPCCode: rpcCodeFor(code)}
}

func Wrap(code Code, message string, err error) *Error {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &Error{Code: code, Message: message, Details: details, RPCCode: rpcCodeFor(code)}
}

func rpcCodeFor(code Code) int {
	switch code {
	case CodeMethodNotFound:
		return RPCCodeMethodNotFound
	case CodeInvalidRequest, CodeUseEitherArgsKwargs:
		return RPCCodeInvalidRequest
	case CodeInternalError:
		return RPCCodeInternalError
	default:
		return 0
	}
}

// Sentinel constructors mirroring spec.md §7's taxonomy.

func ProtocolError(details string) *Error {
	return &Error{Code: CodeProtocolError, Message: "protocol error", Details: details}
}

func ConnectionClosed() *Error {
	return New(CodeConnectionClosed, "connection closed")
}

func PermissionDenied(role string) *Error {
	return New(CodePermissionDenied, fmt.Sprintf("missing required role %q", role))
}

func PermissionLost(role string) *Error {
	return New(CodePermissionLost, fmt.Sprintf("lost required role %q on token refresh", role))
}

func NoSuchCandidates() *Error {
	return New(CodeNoSuchCandidates, "none of the candidate places exist")
}

func NoMatchingPlace() *Error {
	return New(CodeNoMatchingPlace, "no place matches the import description")
}

func AllCandidatesGone() *Error {
	return New(CodeAllCandidatesGone, "all candidate places were removed")
}

func AlreadyReserved(name string) *Error {
	return New(CodeAlreadyReserved, fmt.Sprintf("reservation %q already exists", name))
}

func AlreadyAttached(name string) *Error {
	return New(CodeAlreadyAttached, fmt.Sprintf("reservation %q is already attached", name))
}

func NotReserved(name string) *Error {
	return New(CodeNotReserved, fmt.Sprintf("no reservation named %q", name))
}

func NotAttached(name string) *Error {
	return New(CodeNotAttached, fmt.Sprintf("reservation %q is not attached", name))
}

func StillAttached(name string) *Error {
	return New(CodeStillAttached, fmt.Sprintf("reservation %q is still attached", name))
}

func PortOutOfRange(port int) *Error {
	return New(CodePortOutOfRange, fmt.Sprintf("vhci port %d is out of range", port))
}

func AttachTimeout() *Error {
	return New(CodeAttachTimeout, "usbip attach timed out")
}

func TunnelReadyTimeout(name string) *Error {
	return New(CodeTunnelReadyTimeout, fmt.Sprintf("tunnel %q did not become ready in time", name))
}

func AuthError(details string) *Error {
	return &Error{Code: CodeAuthError, Message: "authentication failed", Details: details}
}

func UseEitherArgsOrKwargs() *Error {
	return New(CodeUseEitherArgsKwargs, "only one of args or kwargs may be set")
}

func MethodNotFound(method string) *Error {
	return New(CodeMethodNotFound, fmt.Sprintf("method %q not found", method))
}

func InvalidRequest(details string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: "invalid request", Details: details, RPCCode: RPCCodeInvalidRequest}
}

func Internal(err error) *Error {
	return Wrap(CodeInternalError, "internal error", err)
}
