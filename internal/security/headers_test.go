package security

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHeadersMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "https://www.google.com")
}

func corsRouter(t *testing.T, origins []string) *gin.Engine {
	t.Helper()
	mw, err := CORSMiddleware(origins)
	require.NoError(t, err)

	router := gin.New()
	router.Use(mw)
	router.POST("/api/verify-recaptcha", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestCORSMiddleware_AllowAll(t *testing.T) {
	router := corsRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/verify-recaptcha", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSMiddleware_AllowList(t *testing.T) {
	router := corsRouter(t, []string{"https://shop.example"})

	req := httptest.NewRequest(http.MethodPost, "/api/verify-recaptcha", nil)
	req.Header.Set("Origin", "https://shop.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSMiddleware_RejectsUnknownOrigin(t *testing.T) {
	router := corsRouter(t, []string{"https://shop.example"})

	req := httptest.NewRequest(http.MethodPost, "/api/verify-recaptcha", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	router := corsRouter(t, []string{"https://shop.example"})

	req := httptest.NewRequest(http.MethodOptions, "/api/verify-recaptcha", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Less(t, w.Code, 300)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSMiddleware_InvalidOrigin(t *testing.T) {
	_, err := CORSMiddleware([]string{"shop.example"})
	assert.Error(t, err)
}

func TestAdminMiddleware(t *testing.T) {
	router := gin.New()
	router.GET("/admin", AdminMiddleware("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong secret", "Bearer nope", http.StatusForbidden},
		{"valid secret", "Bearer s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestValidateUpstreamURL(t *testing.T) {
	orig := lookupHost
	lookupHost = func(host string) ([]string, error) {
		switch host {
		case "www.google.com":
			return []string{"142.250.80.36"}, nil
		case "internal.example":
			return []string{"10.0.0.5"}, nil
		}
		return nil, &net.DNSError{Err: "no such host", Name: host}
	}
	t.Cleanup(func() { lookupHost = orig })

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://www.google.com/recaptcha/api/siteverify", false},
		{"http://www.google.com/recaptcha/api/siteverify", true},
		{"https://localhost/verify", true},
		{"https://127.0.0.1/verify", true},
		{"https://169.254.169.254/", true},
		{"https://internal.example/verify", true},
		{"https://unknown.example/verify", true},
		{"https:///nohost", true},
	}

	for _, tt := range tests {
		err := ValidateUpstreamURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}
