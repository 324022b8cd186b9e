package credential

import (
	"errors"
	"testing"
	"time"

	"filippo.io/age"
)

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	ageID, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	id, err := NewIdentity(ageID.String())
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return id
}

func TestSignAndVerify(t *testing.T) {
	id := newTestIdentity(t)
	ts := time.Now().UTC()
	body := []byte(`{"events":[{"kind":"heartbeat"}]}`)

	sig, err := id.Sign("gray", ts, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if err := Verify(id.PublicKeyBase64(), sig, "gray", ts, body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	id := newTestIdentity(t)
	other := newTestIdentity(t)
	ts := time.Now().UTC()
	body := []byte(`{"events":[]}`)

	sig, err := id.Sign("gray", ts, body)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		key      string
		sig      string
		hostname string
		ts       time.Time
		body     []byte
	}{
		{"wrong key", other.PublicKeyBase64(), sig, "gray", ts, body},
		{"wrong hostname", id.PublicKeyBase64(), sig, "teal", ts, body},
		{"wrong timestamp", id.PublicKeyBase64(), sig, "gray", ts.Add(time.Second), body},
		{"tampered body", id.PublicKeyBase64(), sig, "gray", ts, []byte(`{"events":[{}]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.key, tt.sig, tt.hostname, tt.ts, tt.body)
			if !errors.Is(err, ErrVerification) {
				t.Errorf("Verify() error = %v, want ErrVerification", err)
			}
		})
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	id := newTestIdentity(t)
	ts := time.Now().UTC()

	if err := Verify("not base64!!", "sig", "gray", ts, nil); err == nil || errors.Is(err, ErrVerification) {
		t.Errorf("malformed key should fail decode, got %v", err)
	}
	if err := Verify(id.PublicKeyBase64(), "@@@", "gray", ts, nil); err == nil {
		t.Error("malformed signature should be rejected")
	}
	if err := Verify(id.PublicKeyBase64(), "c2hvcnQ=", "gray", ts, nil); err == nil {
		t.Error("short signature should be rejected")
	}
}

func TestNewIdentityRejectsGarbage(t *testing.T) {
	if _, err := NewIdentity(""); err == nil {
		t.Error("empty key accepted")
	}
	if _, err := NewIdentity("AGE-SECRET-KEY-NOTVALID"); err == nil {
		t.Error("malformed bech32 accepted")
	}
}
