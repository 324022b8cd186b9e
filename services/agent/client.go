// Package agent is the on-host reporter: it watches the running system
// profile and pushes signed state events to the gateway.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nixfleet/pkg/credential"
)

// Event mirrors the gateway's agent event wire format.
type Event struct {
	Kind       string    `json:"kind"`
	ArtifactID string    `json:"artifact_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Ack is the gateway's per-batch receipt.
type Ack struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Flagged    int `json:"flagged"`
	Rejected   []struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	} `json:"rejected,omitempty"`
}

// Client pushes signed event batches to the gateway.
type Client struct {
	base     string
	hostname string
	identity *credential.Identity
	http     *http.Client
}

// NewClient builds a signed-push client for one host identity.
func NewClient(base, hostname string, identity *credential.Identity) *Client {
	return &Client{
		base:     strings.TrimRight(base, "/"),
		hostname: hostname,
		identity: identity,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Push signs and submits one batch of events.
func (c *Client) Push(ctx context.Context, events []Event) (*Ack, error) {
	body, err := json.Marshal(struct {
		Events []Event `json:"events"`
	}{Events: events})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sig, err := c.identity.Sign(c.hostname, now, body)
	if err != nil {
		return nil, fmt.Errorf("signing event batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/agent/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleet-Host", c.hostname)
	req.Header.Set("X-Fleet-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("X-Fleet-Signature", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var ack Ack
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, fmt.Errorf("decoding gateway ack: %w", err)
	}
	return &ack, nil
}
