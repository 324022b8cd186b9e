package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Backend produces vulnerability findings for a store artifact.
type Backend interface {
	Scan(ctx context.Context, artifactHash string) ([]Finding, error)
}

// HTTPBackend talks to a scanner service (trivy-server or compatible
// wrapper) over its JSON API.
type HTTPBackend struct {
	base   string
	client *http.Client
}

// NewHTTPBackend builds a backend client for the scanner at base.
func NewHTTPBackend(base string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPBackend{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

type backendFinding struct {
	CVEID    string `json:"cve_id"`
	Severity string `json:"severity"`
	Package  string `json:"package"`
}

// Scan requests a scan of one artifact and blocks until the backend
// reports its findings.
func (b *HTTPBackend) Scan(ctx context.Context, artifactHash string) ([]Finding, error) {
	u := fmt.Sprintf("%s/v1/scan/%s", b.base, url.PathEscape(artifactHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scanner backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scanner backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []backendFinding
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding scan result: %w", err)
	}

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			CVEID:    f.CVEID,
			Severity: strings.ToLower(f.Severity),
			Package:  f.Package,
		})
	}
	return findings, nil
}
