package hooks

import (
	"strings"
	"sync"
)

// StreamChunk is the OpenAI-style SSE chunk shape. Only delta content
// is accumulated; everything else passes through untouched.
type StreamChunk struct {
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamCollector buffers delta content while chunks are yielded to the
// client. When the stream finishes, the reconstructed text goes to the
// leak scanner in the background. The client never waits on scanning.
type StreamCollector struct {
	hooks     *Hooks
	requestID string
	provider  string

	mu    sync.Mutex
	buf   strings.Builder
	model string
	done  bool
}

// NewStreamCollector starts collecting for one streaming response.
// requestID is the metadata id assigned by the pre-call hook.
func (h *Hooks) NewStreamCollector(requestID, provider string) *StreamCollector {
	return &StreamCollector{hooks: h, requestID: requestID, provider: provider}
}

// Collect records one chunk's delta content.
func (c *StreamCollector) Collect(chunk StreamChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	if chunk.Model != "" {
		c.model = chunk.Model
	}
	for _, choice := range chunk.Choices {
		c.buf.WriteString(choice.Delta.Content)
	}
}

// Text returns the reconstructed response so far.
func (c *StreamCollector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Finish hands the reconstructed text to the leak scanner. Idempotent.
func (c *StreamCollector) Finish() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	text, model := c.buf.String(), c.model
	c.mu.Unlock()

	c.hooks.scanText(text, c.requestID, c.provider, model)
}
