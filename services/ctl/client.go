// Package ctl implements the fleetctl command line: operator access to the
// status read models and the queue and scan control endpoints.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoints are the service base URLs fleetctl talks to.
type Endpoints struct {
	Status  string
	Evald   string
	Scanner string
}

// Client is a thin JSON client over the fleet services.
type Client struct {
	endpoints Endpoints
	http      *http.Client
}

// NewClient builds a client for the given endpoints.
func NewClient(endpoints Endpoints) *Client {
	endpoints.Status = strings.TrimRight(endpoints.Status, "/")
	endpoints.Evald = strings.TrimRight(endpoints.Evald, "/")
	endpoints.Scanner = strings.TrimRight(endpoints.Scanner, "/")
	return &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("request failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) statusURL(path string) string  { return c.endpoints.Status + path }
func (c *Client) evaldURL(path string) string   { return c.endpoints.Evald + path }
func (c *Client) scannerURL(path string) string { return c.endpoints.Scanner + path }
