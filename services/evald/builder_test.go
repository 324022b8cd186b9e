package evald

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testDigest   = "0c4kv6386hc9pfl3cfgab6cha2hnxg5n"
	testArtifact = testDigest + "-nixos-system"
)

func TestHTTPBuilderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/build" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"artifact_id":"` + testArtifact + `","log":"building...\ndone"}`))
	}))
	defer srv.Close()

	b := NewHTTPBuilder(srv.URL, time.Minute)
	res, err := b.Build(context.Background(), "nixos-config", "abc123", "prod")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.ArtifactID != testDigest {
		t.Errorf("artifact = %q, want bare digest %q", res.ArtifactID, testDigest)
	}
	if len(res.Log) == 0 {
		t.Error("expected build log")
	}
}

func TestHTTPBuilderErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"backend 5xx is transient", http.StatusBadGateway, "upstream down", ErrTransientBuild},
		{"backend 4xx is terminal", http.StatusUnprocessableEntity, "no such flake output", ErrTerminalBuild},
		{"reported build error is terminal", http.StatusOK, `{"error":"evaluation aborted"}`, ErrTerminalBuild},
		{"malformed artifact is terminal", http.StatusOK, `{"artifact_id":"not-a-store-hash"}`, ErrTerminalBuild},
		{"garbage response is transient", http.StatusOK, `{{{`, ErrTransientBuild},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b := NewHTTPBuilder(srv.URL, time.Minute)
			_, err := b.Build(context.Background(), "nixos-config", "abc123", "prod")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPBuilderUnreachableIsTransient(t *testing.T) {
	b := NewHTTPBuilder("http://127.0.0.1:1", time.Second)
	_, err := b.Build(context.Background(), "nixos-config", "abc123", "prod")
	if !errors.Is(err, ErrTransientBuild) {
		t.Fatalf("Build error = %v, want transient", err)
	}
}
