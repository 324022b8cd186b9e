package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"filippo.io/age"

	"nixfleet/pkg/credential"
)

func testIdentity(t *testing.T) *credential.Identity {
	t.Helper()
	ageID, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	id, err := credential.NewIdentity(ageID.String())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func signedRequest(t *testing.T, id *credential.Identity, hostname string, ts time.Time, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/agent/events", bytes.NewReader(body))
	sig, err := id.Sign(hostname, ts, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(headerHost, hostname)
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(headerSignature, sig)
	return req
}

func TestRequireAgentAuth(t *testing.T) {
	id := testIdentity(t)
	stranger := testIdentity(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	lookup := func(ctx context.Context, hostname string) (Host, error) {
		if hostname != "gray" {
			return Host{}, fmt.Errorf("%w: unknown host %q", ErrAuthentication, hostname)
		}
		return Host{Hostname: "gray", PublicKey: id.PublicKeyBase64(), Environment: "prod"}, nil
	}

	var gotHost Host
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost, _ = hostFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := requireAgentAuth(lookup, func() time.Time { return now })(inner)

	body := []byte(`{"events":[]}`)

	tests := []struct {
		name       string
		request    func() *http.Request
		wantStatus int
	}{
		{
			name:       "valid signature",
			request:    func() *http.Request { return signedRequest(t, id, "gray", now, body) },
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "unknown host",
			request:    func() *http.Request { return signedRequest(t, id, "teal", now, body) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong key",
			request:    func() *http.Request { return signedRequest(t, stranger, "gray", now, body) },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			request: func() *http.Request {
				return signedRequest(t, id, "gray", now.Add(-maxClockSkew-time.Minute), body)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "missing headers",
			request: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/v1/agent/events", bytes.NewReader(body))
				return req
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "body tampered after signing",
			request: func() *http.Request {
				req := signedRequest(t, id, "gray", now, body)
				req.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"events":[{}]}`))).Body
				return req
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tt.request())
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	if gotHost.Hostname != "gray" {
		t.Errorf("authenticated host not propagated, got %+v", gotHost)
	}
}
