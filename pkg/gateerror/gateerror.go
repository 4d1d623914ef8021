// Package gateerror is the single error type every ReceiptGate component
// raises. Both transports (pkg/api's REST handlers and pkg/mcp's JSON-RPC
// dispatcher) consume the same *Error so the two surfaces never drift on
// error semantics, resolving spec.md's open question about the REST and
// JSON-RPC validation paths carrying separate invariants.
package gateerror

import "net/http"

// Code is one of the fixed error codes enumerated in spec.md §7.
type Code string

const (
	CodeValidation               Code = "VALIDATION_ERROR"
	CodeBodyTooLarge             Code = "BODY_TOO_LARGE"
	CodeArtifactRefInvalid       Code = "ARTIFACT_REF_INVALID"
	CodeCauseNotFound            Code = "CAUSE_NOT_FOUND"
	CodeReceiptIDCollision       Code = "RECEIPT_ID_COLLISION"
	CodeObligationTerminated     Code = "OBLIGATION_ALREADY_TERMINATED"
	CodeCompleteWithoutAccept    Code = "COMPLETE_WITHOUT_ACCEPT"
	CodeCancelWithoutAccept      Code = "CANCEL_WITHOUT_ACCEPT"
	CodeEscalateParentInvalid    Code = "ESCALATE_PARENT_INVALID"
	CodeChildObligationExists    Code = "CHILD_OBLIGATION_ALREADY_EXISTS"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeRateLimited              Code = "RATE_LIMITED"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// FieldError is one structural or semantic complaint about a single field,
// returned in VALIDATION_ERROR's details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the one error type every layer of ReceiptGate returns.
// HTTPStatus is carried alongside Code so pkg/api never re-derives it, and
// pkg/mcp maps Code to its own string/JSON-RPC numeric error space instead.
type Error struct {
	Code       Code
	HTTPStatus int
	Message    string
	Details    map[string]any
}

func (e *Error) Error() string {
	return e.Message
}

// New constructs a bare *Error with the given code, HTTP status and message.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message}
}

// WithDetails attaches structured details and returns the same *Error for
// chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Validation builds a 422 VALIDATION_ERROR carrying a list of field errors.
func Validation(message string, fields []FieldError) *Error {
	e := New(CodeValidation, http.StatusUnprocessableEntity, message)
	if len(fields) > 0 {
		e.Details = map[string]any{"fields": fields}
	}
	return e
}

// BodyTooLarge builds a 413 BODY_TOO_LARGE error.
func BodyTooLarge(limitBytes, gotBytes int) *Error {
	return New(CodeBodyTooLarge, http.StatusRequestEntityTooLarge, "receipt body exceeds configured limit").
		WithDetails(map[string]any{"limit_bytes": limitBytes, "got_bytes": gotBytes})
}

// ArtifactRefInvalid builds a 422 ARTIFACT_REF_INVALID error.
func ArtifactRefInvalid(message string) *Error {
	return New(CodeArtifactRefInvalid, http.StatusUnprocessableEntity, message)
}

// CauseNotFound builds a 422 CAUSE_NOT_FOUND error.
func CauseNotFound(causedByReceiptID string) *Error {
	return New(CodeCauseNotFound, http.StatusUnprocessableEntity, "caused_by_receipt_id does not refer to an existing receipt").
		WithDetails(map[string]any{"caused_by_receipt_id": causedByReceiptID})
}

// Collision builds a 409 RECEIPT_ID_COLLISION error.
func Collision(receiptID string) *Error {
	return New(CodeReceiptIDCollision, http.StatusConflict, "receipt_id already used with a different payload").
		WithDetails(map[string]any{"receipt_id": receiptID})
}

// ObligationTerminated builds a 409 OBLIGATION_ALREADY_TERMINATED error.
func ObligationTerminated(obligationID, terminalReceiptID string) *Error {
	return New(CodeObligationTerminated, http.StatusConflict, "obligation already has a terminal receipt").
		WithDetails(map[string]any{"obligation_id": obligationID, "terminal_receipt_id": terminalReceiptID})
}

// CompleteWithoutAccept builds a 409 COMPLETE_WITHOUT_ACCEPT error.
func CompleteWithoutAccept(obligationID string) *Error {
	return New(CodeCompleteWithoutAccept, http.StatusConflict, "no opening event exists for this obligation").
		WithDetails(map[string]any{"obligation_id": obligationID})
}

// CancelWithoutAccept builds a 409 CANCEL_WITHOUT_ACCEPT error.
func CancelWithoutAccept(obligationID string) *Error {
	return New(CodeCancelWithoutAccept, http.StatusConflict, "no opening event exists for this obligation").
		WithDetails(map[string]any{"obligation_id": obligationID})
}

// EscalateParentInvalid builds a 409 ESCALATE_PARENT_INVALID error.
func EscalateParentInvalid(reason string) *Error {
	return New(CodeEscalateParentInvalid, http.StatusConflict, reason)
}

// ChildObligationExists builds a 409 CHILD_OBLIGATION_ALREADY_EXISTS error.
func ChildObligationExists(childObligationID string) *Error {
	return New(CodeChildObligationExists, http.StatusConflict, "child_obligation_id is already in use").
		WithDetails(map[string]any{"child_obligation_id": childObligationID})
}

// NotFound builds a 404 NOT_FOUND error.
func NotFound(message string) *Error {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// Unauthorized builds a 401 UNAUTHORIZED error.
func Unauthorized(message string) *Error {
	return New(CodeUnauthorized, http.StatusUnauthorized, message)
}

// RateLimited builds a 429 RATE_LIMITED error.
func RateLimited(retryAfterSecs int) *Error {
	return New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded").
		WithDetails(map[string]any{"retry_after_seconds": retryAfterSecs})
}

// Internal builds a 500 INTERNAL_ERROR error. The underlying cause is never
// exposed in Message; callers log it separately.
func Internal() *Error {
	return New(CodeInternal, http.StatusInternalServerError, "an unexpected error occurred")
}
