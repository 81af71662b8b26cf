// Package hooks adapts the validation pipeline to the proxy surface:
// text extraction from OpenAI-style request and response bodies, the
// pre-call gate, and post-call leak scanning.
package hooks

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/security"
	"github.com/rawblock/bandaid/internal/worker"
)

// CallType names the upstream operation being proxied.
type CallType string

const (
	CallChatCompletion CallType = "chat_completion"
	CallTextCompletion CallType = "text_completion"
	CallEmbedding      CallType = "embedding"
)

// RequestIDMetadataKey is where the pre-call hook stores its request id
// inside the forwarded request body, for correlation with journal rows.
const RequestIDMetadataKey = "bandaid_request_id"

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestData is the subset of an upstream request body the hooks care
// about. Exactly one of Messages, Prompt or Input carries the text.
type RequestData struct {
	Model    string         `json:"model,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Input    any            `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Choice is one completion alternative in a response body.
type Choice struct {
	Message *Message `json:"message,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// ResponseData is the subset of an upstream response body the post-call
// hook reads.
type ResponseData struct {
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices,omitempty"`
}

// BlockError is the decision the HTTP surface turns into a 403.
type BlockError struct {
	ErrorCode  string  `json:"error"`
	ThreatType string  `json:"threat_type"`
	Confidence float64 `json:"confidence"`
	RequestID  string  `json:"request_id"`
	Message    string  `json:"message"`
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("request blocked: %s (confidence %.2f)", e.ThreatType, e.Confidence)
}

// Hooks wires the orchestrator to the proxy's request lifecycle.
type Hooks struct {
	orch *security.Orchestrator
	pool *worker.Pool
	log  *logrus.Entry
}

func New(logger *logrus.Logger, orch *security.Orchestrator, pool *worker.Pool) *Hooks {
	return &Hooks{
		orch: orch,
		pool: pool,
		log:  logger.WithField("component", "hooks"),
	}
}

// RequestFromMap lifts the hook-relevant fields out of a decoded JSON
// body. The proxy keeps the original map so unknown upstream fields
// (temperature, tools, ...) survive forwarding.
func RequestFromMap(body map[string]any) *RequestData {
	req := &RequestData{}
	if m, ok := body["model"].(string); ok {
		req.Model = m
	}
	if msgs, ok := body["messages"].([]any); ok {
		for _, raw := range msgs {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg := Message{}
			if role, ok := m["role"].(string); ok {
				msg.Role = role
			}
			if content, ok := m["content"].(string); ok {
				msg.Content = content
			}
			req.Messages = append(req.Messages, msg)
		}
	}
	if p, ok := body["prompt"].(string); ok {
		req.Prompt = p
	}
	req.Input = body["input"]
	if md, ok := body["metadata"].(map[string]any); ok {
		req.Metadata = md
	}
	return req
}

// ExtractRequestText pulls the validatable text out of a request body:
// all message contents joined with newlines, or the prompt, or the
// embedding input. Empty means nothing to validate.
func ExtractRequestText(req *RequestData) string {
	if len(req.Messages) > 0 {
		parts := make([]string, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Content != "" {
				parts = append(parts, m.Content)
			}
		}
		return strings.Join(parts, "\n")
	}
	if req.Prompt != "" {
		return req.Prompt
	}
	switch input := req.Input.(type) {
	case string:
		return input
	case []any:
		parts := make([]string, 0, len(input))
		for _, v := range input {
			if s, ok := v.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case []string:
		return strings.Join(input, "\n")
	}
	return ""
}

// ExtractResponseText pulls the completed text out of a non-streaming
// response body.
func ExtractResponseText(resp *ResponseData) string {
	parts := make([]string, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		switch {
		case c.Message != nil && c.Message.Content != "":
			parts = append(parts, c.Message.Content)
		case c.Text != "":
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ValidateRequest is the pre-call gate. A nil return means the request
// may proceed; a *BlockError carries the 403 payload. The assigned
// request id is written into the request metadata either way so
// response-side events correlate. A request with no extractable text is
// allowed through.
func (h *Hooks) ValidateRequest(ctx context.Context, req *RequestData, callType CallType, provider string) (*BlockError, error) {
	text := ExtractRequestText(req)
	requestID := uuid.New()

	if req.Metadata == nil {
		req.Metadata = make(map[string]any)
	}
	req.Metadata[RequestIDMetadataKey] = requestID.String()

	if strings.TrimSpace(text) == "" {
		h.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"call_type":  callType,
		}).Debug("no text to validate, allowing request")
		return nil, nil
	}

	decision, err := h.orch.ValidateRequest(ctx, security.ValidateInput{
		Text:      text,
		RequestID: requestID,
		Provider:  provider,
		Model:     req.Model,
	})
	if err != nil {
		return nil, err
	}
	if decision.Allowed {
		return nil, nil
	}

	block := &BlockError{
		ErrorCode: "threat_detected",
		RequestID: requestID.String(),
		Message:   "Request blocked by security validation",
	}
	if decision.Event.ThreatKind != nil {
		block.ThreatType = string(*decision.Event.ThreatKind)
		block.Confidence = *decision.Event.Confidence
	}
	return block, nil
}

// ScanResponse schedules leak scanning for a completed non-streaming
// response. Fire and forget: the caller returns the response to the
// client immediately.
func (h *Hooks) ScanResponse(resp *ResponseData, requestIDStr, provider string) {
	text := ExtractResponseText(resp)
	h.scanText(text, requestIDStr, provider, resp.Model)
}

func (h *Hooks) scanText(text, requestIDStr, provider, model string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	requestID, err := uuid.Parse(requestIDStr)
	if err != nil {
		// Response arrived without a correlated pre-call id.
		requestID = uuid.New()
	}
	h.pool.SubmitScan(func(ctx context.Context) {
		h.orch.ScanResponse(ctx, text, requestID, provider, model)
	})
}
