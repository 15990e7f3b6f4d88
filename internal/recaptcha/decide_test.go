package recaptcha

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name        string
		assessment  Assessment
		wantSuccess bool
		wantScore   *float64
		wantMessage string
		wantOutcome Outcome
	}{
		{
			name:        "valid above threshold",
			assessment:  Assessment{Valid: true, Score: ptr(0.9), Action: "submit", Hostname: "example.com", Timestamp: "2024-01-01T00:00:00Z"},
			wantSuccess: true,
			wantScore:   ptr(0.9),
			wantMessage: MessageSuccess,
			wantOutcome: OutcomePassed,
		},
		{
			name:        "valid exactly at threshold",
			assessment:  Assessment{Valid: true, Score: ptr(0.5)},
			wantSuccess: true,
			wantScore:   ptr(0.5),
			wantMessage: MessageSuccess,
			wantOutcome: OutcomePassed,
		},
		{
			name:        "valid below threshold",
			assessment:  Assessment{Valid: true, Score: ptr(0.3)},
			wantSuccess: false,
			wantScore:   ptr(0.3),
			wantMessage: MessageLowScore,
			wantOutcome: OutcomeLowScore,
		},
		{
			name:        "valid without score counts as zero",
			assessment:  Assessment{Valid: true},
			wantSuccess: false,
			wantScore:   ptr(0),
			wantMessage: MessageLowScore,
			wantOutcome: OutcomeLowScore,
		},
		{
			name:        "invalid with reason",
			assessment:  Assessment{Valid: false, InvalidReason: "EXPIRED"},
			wantSuccess: false,
			wantScore:   nil,
			wantMessage: "Token invalid: EXPIRED",
			wantOutcome: OutcomeInvalidToken,
		},
		{
			name:        "invalid without reason",
			assessment:  Assessment{Valid: false},
			wantSuccess: false,
			wantMessage: "Token invalid: Unknown reason",
			wantOutcome: OutcomeInvalidToken,
		},
		{
			name:        "invalid keeps a high score but still fails",
			assessment:  Assessment{Valid: false, InvalidReason: "timeout-or-duplicate", Score: ptr(0.9)},
			wantSuccess: false,
			wantScore:   ptr(0.9),
			wantMessage: "Token invalid: timeout-or-duplicate",
			wantOutcome: OutcomeInvalidToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.assessment
			d, outcome := Decide(&a, DefaultThreshold)
			require.NotNil(t, d)
			assert.Equal(t, tt.wantSuccess, d.Success)
			assert.Equal(t, tt.wantScore, d.Score)
			assert.Equal(t, tt.wantMessage, d.Message)
			assert.Equal(t, tt.wantOutcome, outcome)
		})
	}
}

func TestDecideCopiesMetadataOnlyForValidTokens(t *testing.T) {
	valid := &Assessment{Valid: true, Score: ptr(0.1), Action: "login", Hostname: "example.com", Timestamp: "2024-01-01T00:00:00Z"}
	d, _ := Decide(valid, DefaultThreshold)
	assert.Equal(t, "login", d.Action)
	assert.Equal(t, "example.com", d.Hostname)
	assert.Equal(t, "2024-01-01T00:00:00Z", d.Timestamp)

	invalid := &Assessment{Valid: false, Action: "login", Hostname: "example.com"}
	d, _ = Decide(invalid, DefaultThreshold)
	assert.Empty(t, d.Action)
	assert.Empty(t, d.Hostname)
}

func TestDecideCustomThreshold(t *testing.T) {
	d, outcome := Decide(&Assessment{Valid: true, Score: ptr(0.7)}, 0.8)
	assert.False(t, d.Success)
	assert.Equal(t, OutcomeLowScore, outcome)

	d, outcome = Decide(&Assessment{Valid: true, Score: ptr(0.1)}, 0)
	assert.True(t, d.Success)
	assert.Equal(t, OutcomePassed, outcome)
}

func TestCredentialsCheck(t *testing.T) {
	assert.NoError(t, Credentials{SecretKey: "s"}.Check(VariantLegacy))
	assert.ErrorIs(t, Credentials{}.Check(VariantLegacy), ErrConfiguration)

	assert.NoError(t, Credentials{SecretKey: "k", ProjectID: "p"}.Check(VariantEnterprise))
	err := Credentials{SecretKey: "k"}.Check(VariantEnterprise)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "project id")

	err = Credentials{}.Check(VariantEnterprise)
	assert.Contains(t, err.Error(), "secret key and project id")
}

func TestUpstreamErrorTransient(t *testing.T) {
	tests := []struct {
		err  *UpstreamError
		want bool
	}{
		{&UpstreamError{Kind: KindTransport}, true},
		{&UpstreamError{Kind: KindBreakerOpen}, true},
		{&UpstreamError{Kind: KindDecode}, false},
		{&UpstreamError{Kind: KindStatus, StatusCode: 400}, false},
		{&UpstreamError{Kind: KindStatus, StatusCode: 403}, false},
		{&UpstreamError{Kind: KindStatus, StatusCode: 429}, true},
		{&UpstreamError{Kind: KindStatus, StatusCode: 500}, true},
		{&UpstreamError{Kind: KindStatus, StatusCode: 503}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Transient(), "%s %d", tt.err.Kind, tt.err.StatusCode)
	}
}
