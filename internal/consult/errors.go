package consult

import (
	"bytes"
	"errors"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/beast-health/consultd/internal/assistant"
)

// Fixed fallback messages. These are user-facing; everything the
// normalizer returns ends up verbatim in the session's transient error.
const (
	msgUnknown     = "Unknown error."
	msgUnexpected  = "Unexpected error response."
	msgUnreachable = "Unable to connect to the medical assistant server."
)

// Normalize maps any failure from a consultation round to a single
// user-facing string. It never panics and never returns an empty string:
//   - structured backend errors surface their detail verbatim, or a
//     compact serialization when the detail is not a plain string
//   - transport failures surface the transport's message when present
//   - decode failures name the problem (malformed body, unknown stage)
//   - anything else collapses to a generic message
func Normalize(err error) string {
	if err == nil {
		return msgUnknown
	}

	var apiErr *assistant.APIError
	if errors.As(err, &apiErr) {
		if strings.TrimSpace(apiErr.Detail) != "" {
			return apiErr.Detail
		}
		if len(apiErr.RawDetail) > 0 {
			var buf bytes.Buffer
			if jsonErr := json.Compact(&buf, apiErr.RawDetail); jsonErr != nil {
				return msgUnexpected
			}
			return buf.String()
		}
		return apiErr.Error()
	}

	var transportErr *assistant.TransportError
	if errors.As(err, &transportErr) {
		if transportErr.Err != nil && strings.TrimSpace(transportErr.Err.Error()) != "" {
			return transportErr.Err.Error()
		}
		return msgUnreachable
	}

	var stageErr *assistant.UnrecognizedStageError
	if errors.As(err, &stageErr) {
		return stageErr.Error()
	}

	var malformedErr *assistant.MalformedReplyError
	if errors.As(err, &malformedErr) {
		return msgUnexpected
	}

	return msgUnknown
}
