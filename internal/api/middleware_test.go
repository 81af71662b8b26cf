package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func authRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/protected", AuthMiddleware(testLogger()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doRequest(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddlewareNoTokenConfigured(t *testing.T) {
	t.Setenv("DASHBOARD_AUTH_TOKEN", "")
	r := authRouter(t)
	assert.Equal(t, http.StatusOK, doRequest(r, "").Code)
}

func TestAuthMiddlewareValidToken(t *testing.T) {
	t.Setenv("DASHBOARD_AUTH_TOKEN", "s3cret")
	r := authRouter(t)
	assert.Equal(t, http.StatusOK, doRequest(r, "Bearer s3cret").Code)
}

func TestAuthMiddlewareMissingHeader(t *testing.T) {
	t.Setenv("DASHBOARD_AUTH_TOKEN", "s3cret")
	r := authRouter(t)
	assert.Equal(t, http.StatusUnauthorized, doRequest(r, "").Code)
}

func TestAuthMiddlewareBadFormat(t *testing.T) {
	t.Setenv("DASHBOARD_AUTH_TOKEN", "s3cret")
	r := authRouter(t)
	assert.Equal(t, http.StatusForbidden, doRequest(r, "Basic s3cret").Code)
}

func TestAuthMiddlewareWrongToken(t *testing.T) {
	t.Setenv("DASHBOARD_AUTH_TOKEN", "s3cret")
	r := authRouter(t)
	assert.Equal(t, http.StatusForbidden, doRequest(r, "Bearer nope").Code)
}

func TestRateLimiterAllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		allowed, _ := rl.allow("10.0.0.1")
		assert.True(t, allowed, "request %d within burst", i)
	}

	allowed, retryAfter := rl.allow("10.0.0.1")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestRateLimiterIsolatesIPs(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	allowed, _ := rl.allow("10.0.0.1")
	assert.True(t, allowed)
	allowed, _ = rl.allow("10.0.0.1")
	assert.False(t, allowed)

	allowed, _ = rl.allow("10.0.0.2")
	assert.True(t, allowed, "other IPs keep their own bucket")
}

func TestRateLimiterMiddlewareResponds429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/limited", NewRateLimiter(60, 1).Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/limited", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
}
