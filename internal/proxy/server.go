// Package proxy is the OpenAI-compatible gateway: requests pass the
// pre-call validation gate, get forwarded upstream, and completed
// responses are scanned for leaks on the way back out.
package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/bandaid/internal/hooks"
)

const defaultUpstream = "https://api.openai.com"

// Server terminates client calls on the proxy port and forwards them to
// the configured upstream. The client's own Authorization header is
// passed through unless UPSTREAM_API_KEY overrides it.
type Server struct {
	hooks    *hooks.Hooks
	upstream string
	apiKey   string
	client   *http.Client
	log      *logrus.Entry
}

func NewServer(logger *logrus.Logger, h *hooks.Hooks) *Server {
	upstream := os.Getenv("UPSTREAM_BASE_URL")
	if upstream == "" {
		upstream = defaultUpstream
	}
	return &Server{
		hooks:    h,
		upstream: strings.TrimRight(upstream, "/"),
		apiKey:   os.Getenv("UPSTREAM_API_KEY"),
		client:   &http.Client{Timeout: 5 * time.Minute},
		log:      logger.WithField("component", "proxy"),
	}
}

// Router builds the gateway engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/chat/completions", s.handle(hooks.CallChatCompletion))
	r.POST("/v1/completions", s.handle(hooks.CallTextCompletion))
	r.POST("/v1/embeddings", s.handle(hooks.CallEmbedding))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "operational", "upstream": s.upstream})
	})
	return r
}

func (s *Server) handle(callType hooks.CallType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
			return
		}

		req := hooks.RequestFromMap(body)
		block, err := s.hooks.ValidateRequest(c.Request.Context(), req, callType, s.providerName())
		if err != nil {
			s.log.WithError(err).Error("validation failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Validation failed"})
			return
		}
		body["metadata"] = req.Metadata
		if block != nil {
			c.JSON(http.StatusForbidden, block)
			return
		}

		requestID, _ := req.Metadata[hooks.RequestIDMetadataKey].(string)
		streaming, _ := body["stream"].(bool)
		if streaming && callType != hooks.CallEmbedding {
			s.forwardStreaming(c, body, requestID)
			return
		}
		s.forward(c, body, callType, requestID)
	}
}

func (s *Server) providerName() string {
	if strings.Contains(s.upstream, "api.openai.com") {
		return "openai"
	}
	return s.upstream
}

func (s *Server) upstreamRequest(c *gin.Context, body map[string]any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		s.upstream+c.Request.URL.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	} else if auth := c.GetHeader("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

// forward relays a non-streaming call and schedules a leak scan over
// the completed response.
func (s *Server) forward(c *gin.Context, body map[string]any, callType hooks.CallType, requestID string) {
	req, err := s.upstreamRequest(c, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build upstream request"})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.WithError(err).Error("upstream request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to read upstream response"})
		return
	}

	if resp.StatusCode == http.StatusOK && callType != hooks.CallEmbedding {
		var parsed hooks.ResponseData
		if err := json.Unmarshal(payload, &parsed); err == nil {
			s.hooks.ScanResponse(&parsed, requestID, s.providerName())
		}
	}

	c.Data(resp.StatusCode, "application/json", payload)
}

// forwardStreaming relays SSE chunks as they arrive. Each chunk goes to
// the client immediately and into the collector; scanning happens after
// the stream ends, off the request path.
func (s *Server) forwardStreaming(c *gin.Context, body map[string]any, requestID string) {
	req, err := s.upstreamRequest(c, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build upstream request"})
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.WithError(err).Error("upstream request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Upstream request failed"})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		c.Data(resp.StatusCode, "application/json", payload)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	collector := s.hooks.NewStreamCollector(requestID, s.providerName())
	defer collector.Finish()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := c.Writer.WriteString(line + "\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk hooks.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err == nil {
			collector.Collect(chunk)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Debug("upstream stream ended with error")
	}
}
