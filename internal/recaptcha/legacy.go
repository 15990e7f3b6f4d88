package recaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// LegacySiteverifyURL is Google's siteverify endpoint.
const LegacySiteverifyURL = "https://www.google.com/recaptcha/api/siteverify"

// LegacyClient calls the siteverify API.
type LegacyClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewLegacyClient creates a siteverify client. An empty endpoint uses
// Google's.
func NewLegacyClient(endpoint string, httpClient *http.Client) *LegacyClient {
	if endpoint == "" {
		endpoint = LegacySiteverifyURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LegacyClient{endpoint: endpoint, httpClient: httpClient}
}

var _ Upstream = (*LegacyClient)(nil)

// Variant implements Upstream.
func (c *LegacyClient) Variant() Variant { return VariantLegacy }

type siteverifyResponse struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score"`
	Action      string   `json:"action"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
}

// Assess implements Upstream.
func (c *LegacyClient) Assess(ctx context.Context, creds Credentials, req Request) (*Assessment, error) {
	form := url.Values{
		"secret":   {creds.SecretKey},
		"response": {req.Token},
	}
	if req.RemoteIP != "" {
		form.Set("remoteip", req.RemoteIP)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create siteverify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	body, err := roundTrip(c.httpClient, VariantLegacy, httpReq)
	if err != nil {
		return nil, err
	}

	var out siteverifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &UpstreamError{Variant: VariantLegacy, Kind: KindDecode, Err: err}
	}

	return &Assessment{
		Valid:         out.Success,
		InvalidReason: strings.Join(out.ErrorCodes, ", "),
		Score:         out.Score,
		Action:        out.Action,
		Timestamp:     out.ChallengeTS,
		Hostname:      out.Hostname,
	}, nil
}
