package recaptcha

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxUpstreamBody caps how much of an upstream response is read.
const maxUpstreamBody = 1 << 20

// NewHTTPClient returns the client used for upstream calls. timeout bounds
// a single attempt.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// roundTrip sends req and returns the body of a 2xx response. Everything
// else becomes an *UpstreamError.
func roundTrip(client *http.Client, variant Variant, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Variant: variant, Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &UpstreamError{Variant: variant, Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Variant:    variant,
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", snippet(body)),
		}
	}

	return body, nil
}

// snippet trims an upstream body for logs.
func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
