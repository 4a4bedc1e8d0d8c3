package operation

import "net/http"

// Error codes carried by framework-generated responses.
const (
	// ErrorCodeOperationInProgress means another invocation with the same
	// tracking ID has not finished yet. Retry later.
	ErrorCodeOperationInProgress = "OperationInProgress"

	// ErrorCodeOperationCancelled means the recovery worker found the
	// invocation abandoned and unwound it.
	ErrorCodeOperationCancelled = "OperationCancelled"

	// ErrorCodeTrackingIDReused means the tracking ID already belongs to a
	// different kind of operation.
	ErrorCodeTrackingIDReused = "TrackingIdReused"
)

// Response is the outcome of an operation as seen by its caller.
// Business failures are responses with an ErrorCode, never Go errors.
type Response[R any] struct {
	StatusCode       int    `json:"status_code"`
	ErrorCode        string `json:"error_code,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
	Response         *R     `json:"response,omitempty"`
}

// IsSuccess reports a 2xx status.
func (r *Response[R]) IsSuccess() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// OK is a 200 response carrying body.
func OK[R any](body *R) *Response[R] {
	return &Response[R]{StatusCode: http.StatusOK, Response: body}
}

// Accepted is a 202 response: the work continues in the background.
func Accepted[R any]() *Response[R] {
	return &Response[R]{StatusCode: http.StatusAccepted}
}

// Conflict is a 409 response for a concurrent duplicate invocation.
func Conflict[R any]() *Response[R] {
	return &Response[R]{
		StatusCode:       http.StatusConflict,
		ErrorCode:        ErrorCodeOperationInProgress,
		ErrorDescription: "an operation with this tracking id is still in progress",
	}
}

// Failure is a response for a business failure.
func Failure[R any](statusCode int, errorCode, description string) *Response[R] {
	return &Response[R]{
		StatusCode:       statusCode,
		ErrorCode:        errorCode,
		ErrorDescription: description,
	}
}

// Cancelled is the final response of an unwound operation.
func Cancelled[R any]() *Response[R] {
	return &Response[R]{
		StatusCode:       http.StatusInternalServerError,
		ErrorCode:        ErrorCodeOperationCancelled,
		ErrorDescription: "the operation was interrupted and cancelled",
	}
}
