package mw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := gin.New()
	r.Use(RateLimit(l))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	require.Equal(t, []int{200, 200, 429}, codes)

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLimiter_Sweep(t *testing.T) {
	l := NewLimiter(rate.Every(time.Second), 1, time.Minute)
	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Len())

	l.sweep(time.Now())
	require.Equal(t, 2, l.Len())
	l.sweep(time.Now().Add(2 * time.Minute))
	require.Zero(t, l.Len())
}

func TestLimiter_RunStops(t *testing.T) {
	l := NewLimiter(rate.Every(time.Second), 1, time.Millisecond)
	l.Allow("a")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name   string
		env    string
		origin string
		want   string
	}{
		{"dev allows any", "dev", "https://evil.example.com", "https://evil.example.com"},
		{"prod same host", "prod", "http://example.com", "http://example.com"},
		{"prod listed", "prod", "https://app.example.com", "https://app.example.com"},
		{"prod foreign", "prod", "https://evil.example.com", ""},
		{"prod host suffix trick", "prod", "http://example.com.evil.net", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(CORS(tt.env, []string{"https://app.example.com"}))
			r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "http://example.com/x", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	r := gin.New()
	r.Use(CORS("dev", nil))
	r.OPTIONS("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
}
