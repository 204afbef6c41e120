// Package assistant is the HTTP client for the remote symptom-assistant
// backend. It owns the wire contract: one POST /api/chat per consultation
// round, with the response decoded as a tagged union on its "stage" field.
package assistant

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/beast-health/consultd/internal/privacy"
	"github.com/beast-health/consultd/pkg/models"
)

// DefaultTimeout bounds one consultation round. A request that outlives it
// fails through the same error path as any other transport failure, so a
// session's busy flag can never stick.
const DefaultTimeout = 60 * time.Second

// Request is the outbound body for one consultation round.
type Request struct {
	Query         string        `json:"query"`
	History       []models.Turn `json:"history"`
	QuestionCount int           `json:"question_count"`
}

// Question is the questioning arm of the assistant's reply.
type Question struct {
	Question string `json:"question"`
	Number   int    `json:"question_number"`
}

// Reply is the decoded assistant response. Exactly one arm is non-nil.
type Reply struct {
	Question *Question
	Final    *models.Diagnosis
}

// Client talks to the assistant backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL. A zero timeout falls back
// to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Send performs one consultation round and decodes the staged reply.
// Outbound text is passed through the privacy redactor; the local session
// keeps what the user actually typed.
func (c *Client) Send(ctx context.Context, query string, turns []models.Turn, questionCount int) (*Reply, error) {
	outbound := make([]models.Turn, len(turns))
	for i, turn := range turns {
		outbound[i] = models.Turn{Role: turn.Role, Content: privacy.Redact(turn.Content)}
	}

	body, err := json.Marshal(Request{
		Query:         privacy.Redact(query),
		History:       outbound,
		QuestionCount: questionCount,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, data)
	}

	return decodeReply(data)
}

// decodeReply decodes the staged union. Anything but the two known stages
// is an error, never a transition.
func decodeReply(data []byte) (*Reply, error) {
	var envelope struct {
		Stage string `json:"stage"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &MalformedReplyError{Err: err}
	}

	switch envelope.Stage {
	case string(models.StageQuestioning):
		var q Question
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, &MalformedReplyError{Err: err}
		}
		if q.Question == "" {
			return nil, &MalformedReplyError{Err: fmt.Errorf("questioning reply without a question")}
		}
		return &Reply{Question: &q}, nil

	case string(models.StageFinal):
		var d models.Diagnosis
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, &MalformedReplyError{Err: err}
		}
		return &Reply{Final: &d}, nil

	default:
		return nil, &UnrecognizedStageError{Stage: envelope.Stage}
	}
}

// decodeAPIError extracts the backend's explanation from a non-2xx body.
// The backend reports errors as {"detail": <string or object>}.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return apiErr
	}

	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err == nil {
		apiErr.Detail = strings.TrimSpace(detail)
	} else {
		apiErr.RawDetail = body.Detail
	}
	return apiErr
}
