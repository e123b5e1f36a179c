package rules

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPConfig configures the HTTP rule engine client.
//
// Zero values are given defaults:
//   - Timeout: 30s
type HTTPConfig struct {
	// BaseURL is the engine root, e.g. http://rules:8080.
	BaseURL string

	// Timeout is the per-request timeout applied at the http.Client level.
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Headers are added to every request.
	Headers map[string]string

	// Transport is an optional custom RoundTripper. When nil, a default
	// *http.Transport is constructed from the TLS settings.
	Transport http.RoundTripper
}

// HTTPClient calls POST {base}/rules/{code}/execute with a JSON body
//
//	{"date": "20240131", "params": [{"name": "svc_cont_id", "type": "string", "value": "C1"}, ...]}
//
// and expects {"columns": [...], "rows": [[...], ...]} back, or
// {"error": {"code": "...", "message": "..."}} on failure.
//
// One call is one attempt; retrying is the caller's decision.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	headers http.Header
}

// NewHTTPClient constructs an HTTPClient, applying defaults for zero values.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("rules: base URL must not be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rules: parse base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // explicitly configurable
			},
			MaxIdleConnsPerHost: 32,
		}
	}

	hdr := http.Header{}
	for k, v := range cfg.Headers {
		hdr.Set(k, v)
	}

	return &HTTPClient{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		headers: hdr,
	}, nil
}

type evalRequest struct {
	Date   string `json:"date"`
	Params Params `json:"params"`
}

type evalResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Evaluate implements Client.
func (c *HTTPClient) Evaluate(ctx context.Context, ruleCode, asOf string, params Params) ([]Row, error) {
	if ruleCode == "" {
		return nil, fmt.Errorf("rules: rule code must not be empty")
	}
	body, err := json.Marshal(evalRequest{Date: asOf, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rules: encode request: %w", err)
	}

	u := c.base.JoinPath("rules", ruleCode, "execute")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rules: build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", ruleCode, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("rules: %s: read response: %w", ruleCode, err)
	}

	var out evalResponse
	decodeErr := json.Unmarshal(raw, &out)

	if out.Error != nil && decodeErr == nil {
		rerr := &Error{Rule: ruleCode, Code: out.Error.Code, Message: out.Error.Message}
		if resp.StatusCode/100 != 2 {
			rerr.Status = resp.StatusCode
		}
		return nil, rerr
	}
	if resp.StatusCode/100 != 2 {
		return nil, &Error{
			Rule:    ruleCode,
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: snippet(raw),
			Status:  resp.StatusCode,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("rules: %s: decode response: %w", ruleCode, decodeErr)
	}

	rows := make([]Row, 0, len(out.Rows))
	for i, vals := range out.Rows {
		if len(vals) != len(out.Columns) {
			return nil, fmt.Errorf("rules: %s: row %d has %d values for %d columns", ruleCode, i, len(vals), len(out.Columns))
		}
		row := make(Row, len(vals))
		for j, col := range out.Columns {
			row[col] = vals[j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
