package evald

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nixfleet/pkg/drv"
)

// BuildResult is what a backend returns for a successful evaluation.
type BuildResult struct {
	ArtifactID string // bare store digest
	Log        []byte // raw build log
}

// Builder realizes one evaluation target into a store artifact.
type Builder interface {
	Build(ctx context.Context, repository, commitHash, environment string) (*BuildResult, error)
}

// HTTPBuilder drives a remote build backend over its JSON API.
type HTTPBuilder struct {
	base   string
	client *http.Client
}

// NewHTTPBuilder returns a builder for the backend at base, e.g.
// "http://hydra.internal:3000".
func NewHTTPBuilder(base string, timeout time.Duration) *HTTPBuilder {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPBuilder{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

type buildRequest struct {
	Repository  string `json:"repository"`
	CommitHash  string `json:"commit_hash"`
	Environment string `json:"environment"`
}

type buildResponse struct {
	ArtifactID string `json:"artifact_id"`
	Log        string `json:"log"`
	Error      string `json:"error"`
}

// Build submits the target and blocks until the backend reports an outcome.
// Network errors, timeouts and 5xx responses are transient; a 4xx or an
// explicit build error from the backend is terminal.
func (b *HTTPBuilder) Build(ctx context.Context, repository, commitHash, environment string) (*BuildResult, error) {
	body, err := json.Marshal(buildRequest{
		Repository:  repository,
		CommitHash:  commitHash,
		Environment: environment,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/build", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientBuild, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading backend response: %v", ErrTransientBuild, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: backend returned %d", ErrTransientBuild, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: backend rejected target with %d: %s", ErrTerminalBuild, resp.StatusCode, firstLine(payload))
	}

	var out buildResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding backend response: %v", ErrTransientBuild, err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrTerminalBuild, out.Error)
	}

	hash, err := drv.Parse(out.ArtifactID)
	if err != nil {
		return nil, fmt.Errorf("%w: backend returned malformed artifact %q", ErrTerminalBuild, out.ArtifactID)
	}

	return &BuildResult{ArtifactID: hash.Digest, Log: []byte(out.Log)}, nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
