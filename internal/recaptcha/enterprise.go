package recaptcha

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/recaptchaenterprise/v2/apiv1/recaptchaenterprisepb"
	"google.golang.org/protobuf/encoding/protojson"
)

// EnterpriseBaseURL is the public reCAPTCHA Enterprise REST endpoint.
const EnterpriseBaseURL = "https://recaptchaenterprise.googleapis.com"

// EnterpriseClient creates assessments through the Enterprise REST API,
// authenticated with an API key.
type EnterpriseClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewEnterpriseClient creates an assessments client. An empty baseURL uses
// Google's.
func NewEnterpriseClient(baseURL string, httpClient *http.Client) *EnterpriseClient {
	if baseURL == "" {
		baseURL = EnterpriseBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &EnterpriseClient{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

var _ Upstream = (*EnterpriseClient)(nil)

// Variant implements Upstream.
func (c *EnterpriseClient) Variant() Variant { return VariantEnterprise }

var unmarshalAssessment = protojson.UnmarshalOptions{DiscardUnknown: true}

// Assess implements Upstream.
func (c *EnterpriseClient) Assess(ctx context.Context, creds Credentials, req Request) (*Assessment, error) {
	payload, err := protojson.Marshal(&recaptchaenterprisepb.Assessment{
		Event: &recaptchaenterprisepb.Event{
			Token:          req.Token,
			SiteKey:        creds.SiteKey,
			ExpectedAction: creds.ExpectedAction,
			UserIpAddress:  req.RemoteIP,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode assessment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/assessments?key=%s",
		c.baseURL, url.PathEscape(creds.ProjectID), url.QueryEscape(creds.SecretKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create assessment request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := roundTrip(c.httpClient, VariantEnterprise, httpReq)
	if err != nil {
		return nil, err
	}

	var out recaptchaenterprisepb.Assessment
	if err := unmarshalAssessment.Unmarshal(body, &out); err != nil {
		return nil, &UpstreamError{Variant: VariantEnterprise, Kind: KindDecode, Err: err}
	}

	return fromEnterprise(&out), nil
}

// fromEnterprise normalizes an assessment. Score is only reported for
// valid tokens; a missing risk analysis counts as 0.
func fromEnterprise(a *recaptchaenterprisepb.Assessment) *Assessment {
	tp := a.GetTokenProperties()
	if !tp.GetValid() {
		reason := ""
		if r := tp.GetInvalidReason(); r != recaptchaenterprisepb.TokenProperties_INVALID_REASON_UNSPECIFIED {
			reason = r.String()
		}
		return &Assessment{Valid: false, InvalidReason: reason}
	}

	out := &Assessment{
		Valid:    true,
		Score:    ptr(score32(a.GetRiskAnalysis().GetScore())),
		Action:   tp.GetAction(),
		Hostname: tp.GetHostname(),
	}
	if ts := tp.GetCreateTime(); ts != nil {
		out.Timestamp = ts.AsTime().UTC().Format(time.RFC3339Nano)
	}
	return out
}

// score32 widens a float32 score through its shortest decimal form, so
// 0.7 reads as 0.7 rather than 0.699999988079071.
func score32(s float32) float64 {
	f, err := strconv.ParseFloat(strconv.FormatFloat(float64(s), 'f', -1, 32), 64)
	if err != nil {
		return float64(s)
	}
	return f
}
