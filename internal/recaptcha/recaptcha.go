// Package recaptcha relays client tokens to Google's reCAPTCHA verification
// APIs and turns the answer into a pass/fail decision.
//
// Two upstreams are supported behind one Upstream interface:
//   - legacy: the siteverify endpoint, authenticated with a secret key
//   - enterprise: the assessments endpoint of a Google Cloud project,
//     authenticated with an API key
//
// Both feed the same decision rule: a token passes when upstream marks it
// valid and its score reaches the configured threshold.
package recaptcha

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/captcharelay/internal/validation"
)

// Variant selects the upstream API.
type Variant string

const (
	VariantLegacy     Variant = "legacy"
	VariantEnterprise Variant = "enterprise"
)

// DefaultThreshold is the minimum score for a passing decision.
const DefaultThreshold = 0.5

var (
	// ErrMissingToken means the request carried no usable token.
	ErrMissingToken = errors.New("recaptcha token is required")
	// ErrTokenTooLong means the token exceeds the accepted size.
	ErrTokenTooLong = errors.New("recaptcha token is too long")
	// ErrConfiguration means the relay lacks credentials for its upstream.
	ErrConfiguration = errors.New("recaptcha relay is not configured")
)

// Client-facing messages.
const (
	MessageSuccess      = "Verification successful"
	MessageLowScore     = "Verification failed - score too low"
	MessageMissingToken = "reCAPTCHA token is required"
	MessageTokenTooLong = "reCAPTCHA token is too long"
	MessageConfigError  = "Server configuration error"
	MessageServerError  = "Verification failed due to server error"
	unknownReason       = "Unknown reason"
)

// Outcome classifies a verification for metrics and the audit log.
type Outcome string

const (
	OutcomePassed        Outcome = "passed"
	OutcomeLowScore      Outcome = "low_score"
	OutcomeInvalidToken  Outcome = "invalid_token"
	OutcomeMissingToken  Outcome = "missing_token"
	OutcomeTokenTooLong  Outcome = "token_too_long"
	OutcomeConfigError   Outcome = "config_error"
	OutcomeUpstreamError Outcome = "upstream_error"
)

// Request is the inbound verification request.
type Request struct {
	Token    string `json:"token"`
	RemoteIP string `json:"-"` // Forwarded to upstream when known
}

// Credentials are the process-wide upstream credentials. Built once at
// startup and never modified.
type Credentials struct {
	SecretKey      string // siteverify secret, or API key for enterprise
	ProjectID      string // enterprise only
	SiteKey        string // enterprise only, optional
	ExpectedAction string // enterprise only, optional
}

// Check reports ErrConfiguration if variant cannot be called with c.
func (c Credentials) Check(variant Variant) error {
	checks := []func() *validation.ValidationError{
		validation.Required("secret key", c.SecretKey),
	}
	if variant == VariantEnterprise {
		checks = append(checks, validation.Required("project id", c.ProjectID))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		missing := make([]string, len(errs))
		for i, e := range errs {
			missing[i] = e.Field
		}
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, " and "))
	}
	return nil
}

// Assessment is the upstream answer normalized across variants.
type Assessment struct {
	Valid         bool
	InvalidReason string
	Score         *float64 // nil when upstream sent none
	Action        string
	Timestamp     string
	Hostname      string
}

// Decision is the normalized result returned to callers.
type Decision struct {
	Success   bool     `json:"success"`
	Score     *float64 `json:"score"`
	Action    string   `json:"action,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Hostname  string   `json:"hostname,omitempty"`
	Message   string   `json:"message"`
}

// Upstream verifies a token against one reCAPTCHA API.
type Upstream interface {
	Variant() Variant
	Assess(ctx context.Context, creds Credentials, req Request) (*Assessment, error)
}

// UpstreamError kinds
const (
	KindTransport   = "transport"
	KindStatus      = "status"
	KindDecode      = "decode"
	KindBreakerOpen = "breaker_open"
)

// UpstreamError is a failure to obtain an assessment from upstream.
type UpstreamError struct {
	Variant    Variant
	Kind       string
	StatusCode int // set for KindStatus
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("%s upstream returned status %d: %v", e.Variant, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s upstream %s error: %v", e.Variant, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether repeating the call could succeed.
func (e *UpstreamError) Transient() bool {
	switch e.Kind {
	case KindTransport, KindBreakerOpen:
		return true
	case KindStatus:
		return e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}

func ptr(f float64) *float64 { return &f }
