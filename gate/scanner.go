package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScanResult is the outcome of a malware/content scan.
type ScanResult struct {
	Clean  bool   `json:"clean"`
	Threat string `json:"threat,omitempty"`
}

// Scanner submits document bytes for malware/content scanning.
// Implementations must be safe for concurrent use.
type Scanner interface {
	Scan(ctx context.Context, data []byte) (ScanResult, error)
}

// HTTPScanner scans through a remote HTTP scanning service: POST the raw
// bytes, receive a ScanResult as JSON.
type HTTPScanner struct {
	url    string
	client *http.Client
}

// NewHTTPScanner creates a scanner talking to the given endpoint. Timeout
// bounds each scan call; zero means 30 seconds.
func NewHTTPScanner(url string, timeout time.Duration) *HTTPScanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScanner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScanner) Scan(ctx context.Context, data []byte) (ScanResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return ScanResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return ScanResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ScanResult{}, fmt.Errorf("scanner returned status %d", resp.StatusCode)
	}

	var result ScanResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ScanResult{}, fmt.Errorf("decoding scanner response: %w", err)
	}
	return result, nil
}

// NoopScanner accepts everything. For deployments without a scanning
// service, and for tests.
type NoopScanner struct{}

func (NoopScanner) Scan(ctx context.Context, data []byte) (ScanResult, error) {
	return ScanResult{Clean: true}, nil
}
