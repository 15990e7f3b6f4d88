package recaptcha

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/captcharelay/internal/logging"
)

// Handler provides the verification endpoint.
type Handler struct {
	relay *Relay
}

// NewHandler creates a new verification handler.
func NewHandler(relay *Relay) *Handler {
	return &Handler{relay: relay}
}

// RegisterRoutes sets up the verification route.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/verify-recaptcha", h.Verify)
}

// Verify handles POST /api/verify-recaptcha
func (h *Handler) Verify(c *gin.Context) {
	var req Request
	// A malformed or oversized body is treated like a missing token.
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.L(c.Request.Context()).Debug("verify request body not bound", "error", err)
	}
	req.RemoteIP = c.ClientIP()

	decision, err := h.relay.Verify(c.Request.Context(), req)
	c.JSON(Respond(decision, err))
}

// Respond maps a Verify result to an HTTP status and body. Upstream
// verdicts, passing or not, are 200; only the relay's own failures are
// not.
func Respond(decision *Decision, err error) (int, *Decision) {
	switch {
	case err == nil:
		return http.StatusOK, decision
	case errors.Is(err, ErrMissingToken):
		return http.StatusBadRequest, failure(MessageMissingToken)
	case errors.Is(err, ErrTokenTooLong):
		return http.StatusBadRequest, failure(MessageTokenTooLong)
	case errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError, failure(MessageConfigError)
	default:
		return http.StatusInternalServerError, failure(MessageServerError)
	}
}

func failure(msg string) *Decision {
	return &Decision{Success: false, Score: nil, Message: msg}
}
