package protocol

import "encoding/json"

// Request is one newline-delimited JSON frame from a client.
type Request struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Response is the reply to one Request, or an async notification when Event
// is set (notifications reuse the response envelope per the wire contract).
type Response struct {
	Status        string      `json:"status"`
	Event         string      `json:"event,omitempty"`
	Result        interface{} `json:"result,omitempty"`
	Error         *ErrorInfo  `json:"error,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	EventID       string      `json:"event_id,omitempty"`
}

// ErrorInfo carries a machine-readable code plus human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes surfaced over the wire.
const (
	ErrBadJSON            = "BAD_JSON"
	ErrBadRequest         = "BAD_REQUEST"
	ErrNotFound           = "NOT_FOUND"
	ErrPermissionDenied   = "PERMISSION_DENIED"
	ErrTimeout            = "TIMEOUT"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrConnectionError    = "CONNECTION_ERROR"
	ErrTransformerLoop    = "TRANSFORMER_LOOP"
	ErrFrameTooLarge      = "FRAME_TOO_LARGE"
)

// NewSuccess builds a success response for a handled request.
func NewSuccess(result interface{}, correlationID, eventID string) *Response {
	return &Response{
		Status:        StatusSuccess,
		Result:        result,
		CorrelationID: correlationID,
		EventID:       eventID,
	}
}

// NewError builds an error response.
func NewError(code, message string) *Response {
	return &Response{
		Status: StatusError,
		Error:  &ErrorInfo{Code: code, Message: message},
	}
}

// NewErrorDetails builds an error response with details (truncated stderr,
// stack trace in debug mode).
func NewErrorDetails(code, message, details string) *Response {
	return &Response{
		Status: StatusError,
		Error:  &ErrorInfo{Code: code, Message: message, Details: details},
	}
}

// NewNotification builds an async notification frame for subscribers.
func NewNotification(event string, payload interface{}, correlationID, eventID string) *Response {
	return &Response{
		Status:        StatusSuccess,
		Event:         event,
		Result:        payload,
		CorrelationID: correlationID,
		EventID:       eventID,
	}
}

func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Message + " (" + e.Details + ")"
	}
	return e.Code + ": " + e.Message
}
