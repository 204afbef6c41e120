package assistant

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// APIError is a structured error response from the assistant backend.
// Detail carries a string explanation when the backend sent one; RawDetail
// holds the original JSON when the explanation was not a plain string.
type APIError struct {
	StatusCode int
	Detail     string
	RawDetail  json.RawMessage
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if len(e.RawDetail) > 0 {
		return string(e.RawDetail)
	}
	return fmt.Sprintf("assistant returned status %d", e.StatusCode)
}

// TransportError wraps a failure where no response was received at all.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("assistant unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedReplyError wraps a 2xx response whose body could not be decoded
// into either known reply shape.
type MalformedReplyError struct {
	Err error
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed assistant reply: %v", e.Err)
}

func (e *MalformedReplyError) Unwrap() error { return e.Err }

// UnrecognizedStageError reports a syntactically valid reply whose stage
// is neither "questioning" nor "final".
type UnrecognizedStageError struct {
	Stage string
}

func (e *UnrecognizedStageError) Error() string {
	return fmt.Sprintf("unrecognized assistant stage %q", e.Stage)
}
