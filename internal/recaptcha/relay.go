package recaptcha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/captcharelay/internal/circuitbreaker"
	"github.com/mbd888/captcharelay/internal/logging"
	"github.com/mbd888/captcharelay/internal/metrics"
	"github.com/mbd888/captcharelay/internal/retry"
	"github.com/mbd888/captcharelay/internal/traces"
	"github.com/mbd888/captcharelay/internal/validation"
)

// Record describes one finished verification for the audit log.
type Record struct {
	Variant     Variant
	Outcome     Outcome
	Score       *float64
	Action      string
	Hostname    string
	Reason      string
	Message     string
	TokenPrefix string
	RemoteIP    string
	Latency     time.Duration
}

// Recorder receives a Record for every verification that reached upstream.
type Recorder interface {
	RecordVerification(ctx context.Context, rec Record)
}

// Relay verifies tokens against one upstream.
type Relay struct {
	upstream  Upstream
	creds     Credentials
	threshold float64
	policy    retry.Policy
	breaker   *circuitbreaker.Breaker
	recorder  Recorder
}

// Option configures a Relay.
type Option func(*Relay)

// WithThreshold sets the minimum passing score.
func WithThreshold(t float64) Option {
	return func(r *Relay) { r.threshold = t }
}

// WithRetry sets the upstream retry policy.
func WithRetry(p retry.Policy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithBreaker guards upstream calls with a circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Relay) { r.breaker = b }
}

// WithRecorder sends finished verifications to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// NewRelay creates a relay for upstream using creds.
func NewRelay(upstream Upstream, creds Credentials, opts ...Option) *Relay {
	r := &Relay{
		upstream:  upstream,
		creds:     creds,
		threshold: DefaultThreshold,
		policy:    retry.Once,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Variant returns the upstream variant.
func (r *Relay) Variant() Variant { return r.upstream.Variant() }

// Configured reports whether the relay holds credentials for its upstream.
func (r *Relay) Configured() bool { return r.creds.Check(r.Variant()) == nil }

// Verify checks req.Token upstream and returns the decision.
//
// Errors: ErrMissingToken or ErrTokenTooLong for bad input,
// ErrConfiguration when credentials are missing, *UpstreamError when
// upstream could not be reached or answered garbage.
func (r *Relay) Verify(ctx context.Context, req Request) (*Decision, error) {
	variant := r.Variant()
	log := logging.L(ctx).With("variant", string(variant))

	req.Token = validation.SanitizeToken(req.Token)
	if req.Token == "" {
		metrics.VerificationsTotal.WithLabelValues(string(variant), string(OutcomeMissingToken)).Inc()
		return nil, ErrMissingToken
	}
	if len(req.Token) > validation.MaxTokenLength {
		metrics.VerificationsTotal.WithLabelValues(string(variant), string(OutcomeTokenTooLong)).Inc()
		return nil, ErrTokenTooLong
	}

	if err := r.creds.Check(variant); err != nil {
		log.Error("recaptcha credentials not configured", "error", err)
		metrics.VerificationsTotal.WithLabelValues(string(variant), string(OutcomeConfigError)).Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "recaptcha.Verify", traces.Variant(string(variant)))
	defer span.End()

	start := time.Now()
	assessment, attempts, err := r.assess(ctx, req)
	latency := time.Since(start)
	metrics.UpstreamRequestDuration.WithLabelValues(string(variant)).Observe(latency.Seconds())
	span.SetAttributes(traces.Attempt(attempts))

	if err != nil {
		kind := KindTransport
		var ue *UpstreamError
		if errors.As(err, &ue) {
			kind = ue.Kind
			if ue.StatusCode != 0 {
				span.SetAttributes(traces.HTTPStatus(ue.StatusCode))
			}
		}
		metrics.UpstreamErrorsTotal.WithLabelValues(string(variant), kind).Inc()
		metrics.VerificationsTotal.WithLabelValues(string(variant), string(OutcomeUpstreamError)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		log.Error("recaptcha upstream call failed", "kind", kind, "error", err, "latency_ms", latency.Milliseconds())
		return nil, err
	}

	decision, outcome := Decide(assessment, r.threshold)

	metrics.VerificationsTotal.WithLabelValues(string(variant), string(outcome)).Inc()
	span.SetAttributes(traces.Outcome(string(outcome)))
	if decision.Score != nil {
		span.SetAttributes(traces.Score(*decision.Score))
		if assessment.Valid {
			metrics.ScoreObserved.WithLabelValues(string(variant)).Observe(*decision.Score)
		}
	}

	log.Info("recaptcha verified",
		"outcome", string(outcome),
		"score", decision.Score,
		"action", decision.Action,
		"latency_ms", latency.Milliseconds(),
	)

	if r.recorder != nil {
		r.recorder.RecordVerification(ctx, Record{
			Variant:     variant,
			Outcome:     outcome,
			Score:       decision.Score,
			Action:      decision.Action,
			Hostname:    decision.Hostname,
			Reason:      assessment.InvalidReason,
			Message:     decision.Message,
			TokenPrefix: TokenFingerprint(req.Token),
			RemoteIP:    req.RemoteIP,
			Latency:     latency,
		})
	}

	return decision, nil
}

// assess calls upstream under the retry policy and the circuit breaker and
// reports how many attempts reached upstream.
func (r *Relay) assess(ctx context.Context, req Request) (*Assessment, int, error) {
	variant := r.Variant()

	var assessment *Assessment
	attempt := 0
	call := func() error {
		return retry.Do(ctx, r.policy, func(ctx context.Context) error {
			attempt++
			a, err := r.upstream.Assess(ctx, r.creds, req)
			if err != nil {
				var ue *UpstreamError
				if errors.As(err, &ue) && !ue.Transient() {
					return retry.Permanent(err)
				}
				if r.policy.MaxAttempts > 1 {
					logging.L(ctx).Warn("recaptcha upstream attempt failed",
						"variant", string(variant), "attempt", attempt, "error", err)
				}
				return err
			}
			assessment = a
			return nil
		})
	}

	var err error
	if r.breaker != nil {
		err = r.breaker.ExecuteContext(ctx, string(variant), call, countsAgainstUpstream)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = &UpstreamError{Variant: variant, Kind: KindBreakerOpen, Err: err}
		}
	} else {
		err = call()
	}
	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			err = &UpstreamError{Variant: variant, Kind: KindTransport, Err: err}
		}
		return nil, attempt, err
	}
	return assessment, attempt, nil
}

// countsAgainstUpstream reports whether err should move the breaker.
// Client-side 4xx answers say nothing about upstream health.
func countsAgainstUpstream(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.Kind == KindStatus {
		return ue.Transient()
	}
	return true
}

// TokenFingerprint returns a short SHA-256 prefix identifying token
// without revealing it.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
