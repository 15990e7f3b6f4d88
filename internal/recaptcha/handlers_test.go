package recaptcha

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/captcharelay/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(relay *Relay) *gin.Engine {
	r := gin.New()
	NewHandler(relay).RegisterRoutes(r.Group("/api"))
	return r
}

func postVerify(t *testing.T, router http.Handler, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/verify-recaptcha", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return w, resp
}

func TestVerifyHandlerPassed(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(&Assessment{
		Valid: true, Score: ptr(0.9), Action: "submit",
		Timestamp: "2024-05-01T10:00:00Z", Hostname: "example.com",
	}, nil)}
	router := setupRouter(NewRelay(up, legacyCreds))

	w, resp := postVerify(t, router, `{"token":"tok"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 0.9, resp["score"])
	assert.Equal(t, "submit", resp["action"])
	assert.Equal(t, "2024-05-01T10:00:00Z", resp["timestamp"])
	assert.Equal(t, "example.com", resp["hostname"])
	assert.Equal(t, "Verification successful", resp["message"])
}

func TestVerifyHandlerLowScoreIs200(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(&Assessment{Valid: true, Score: ptr(0.1)}, nil)}
	router := setupRouter(NewRelay(up, legacyCreds))

	w, resp := postVerify(t, router, `{"token":"tok"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, 0.1, resp["score"])
	assert.Equal(t, "Verification failed - score too low", resp["message"])
}

func TestVerifyHandlerInvalidTokenIs200(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(&Assessment{Valid: false, InvalidReason: "invalid-input-response"}, nil)}
	router := setupRouter(NewRelay(up, legacyCreds))

	w, resp := postVerify(t, router, `{"token":"tok"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Nil(t, resp["score"])
	assert.Equal(t, "Token invalid: invalid-input-response", resp["message"])
}

func TestVerifyHandlerBadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"missing token", `{}`, "reCAPTCHA token is required"},
		{"empty token", `{"token":""}`, "reCAPTCHA token is required"},
		{"null token", `{"token":null}`, "reCAPTCHA token is required"},
		{"non-string token", `{"token":123}`, "reCAPTCHA token is required"},
		{"malformed json", `{"token":`, "reCAPTCHA token is required"},
		{"empty body", ``, "reCAPTCHA token is required"},
		{"too long", `{"token":"` + strings.Repeat("x", 9000) + `"}`, "reCAPTCHA token is too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{answer: answerAlways(&Assessment{Valid: true, Score: ptr(1)}, nil)}
			router := setupRouter(NewRelay(up, legacyCreds))

			w, resp := postVerify(t, router, tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, false, resp["success"])
			assert.Contains(t, resp, "score")
			assert.Nil(t, resp["score"])
			assert.Equal(t, tt.message, resp["message"])
			assert.Equal(t, 0, up.Calls())
		})
	}
}

func TestVerifyHandlerLogsUnboundBody(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, "debug", "json")

	up := &fakeUpstream{answer: answerAlways(&Assessment{Valid: true, Score: ptr(1)}, nil)}
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), logger))
		c.Next()
	})
	NewHandler(NewRelay(up, legacyCreds)).RegisterRoutes(r.Group("/api"))

	w, resp := postVerify(t, r, `{"token":`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "reCAPTCHA token is required", resp["message"])
	assert.Contains(t, buf.String(), "verify request body not bound")
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}

func TestVerifyHandlerMissingConfiguration(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(&Assessment{Valid: true}, nil)}
	router := setupRouter(NewRelay(up, Credentials{}))

	w, resp := postVerify(t, router, `{"token":"tok"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Nil(t, resp["score"])
	assert.Equal(t, "Server configuration error", resp["message"])
	assert.Equal(t, 0, up.Calls())
}

func TestVerifyHandlerUpstreamFailure(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(nil, &UpstreamError{
		Kind: KindStatus, StatusCode: 502, Err: errors.New(`{"internal":"details"}`),
	})}
	router := setupRouter(NewRelay(up, legacyCreds))

	w, resp := postVerify(t, router, `{"token":"tok"}`)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, resp["success"])
	assert.Nil(t, resp["score"])
	assert.Equal(t, "Verification failed due to server error", resp["message"])
	assert.NotContains(t, w.Body.String(), "internal", "upstream details are not echoed")
}

func TestVerifyHandlerSurvivesRepeatedFailures(t *testing.T) {
	up := &fakeUpstream{answer: answerAlways(nil, &UpstreamError{Kind: KindTransport, Err: errors.New("refused")})}
	router := setupRouter(NewRelay(up, legacyCreds))

	for i := 0; i < 5; i++ {
		w, _ := postVerify(t, router, `{"token":"tok"}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}

	up.answer = answerAlways(&Assessment{Valid: true, Score: ptr(0.9)}, nil)
	w, resp := postVerify(t, router, `{"token":"tok"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])
}

func TestRespond(t *testing.T) {
	d := &Decision{Success: true, Score: ptr(1), Message: MessageSuccess}

	code, body := Respond(d, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Same(t, d, body)

	code, body = Respond(nil, ErrMissingToken)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MessageMissingToken, body.Message)

	code, body = Respond(nil, Credentials{}.Check(VariantLegacy))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, MessageConfigError, body.Message)

	code, body = Respond(nil, errors.New("anything else"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, MessageServerError, body.Message)
	assert.Nil(t, body.Score)
}
