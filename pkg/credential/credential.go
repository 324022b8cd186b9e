// Package credential implements the agent push-protocol credential: each
// host holds an age identity whose Ed25519 seed signs its state reports,
// and the control plane verifies signatures against the public key the host
// was registered with.
package credential

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// ErrVerification is returned when a signature does not match the host's
// registered public key.
var ErrVerification = errors.New("signature verification failed")

// Identity is the host-side signing key, derived from an age secret key.
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewIdentity derives an Ed25519 signing identity from an age secret key
// (the bech32 "AGE-SECRET-KEY-1..." form).
func NewIdentity(ageSecretKey string) (*Identity, error) {
	secret := strings.TrimSpace(ageSecretKey)
	if secret == "" {
		return nil, errors.New("age secret key is required")
	}

	seed, err := decodeAgeSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parse age secret key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := ed25519.PublicKey(privateKey[ed25519.SeedSize:])

	recipient := ""
	if identity, err := age.ParseX25519Identity(secret); err == nil {
		if r := identity.Recipient(); r != nil {
			recipient = r.String()
		}
	}

	return &Identity{
		privateKey: privateKey,
		publicKey:  publicKey,
		recipient:  recipient,
	}, nil
}

// Sign produces a base64-encoded Ed25519 signature over the canonical
// request payload for the given hostname, timestamp, and body.
func (id *Identity) Sign(hostname string, ts time.Time, body []byte) (string, error) {
	if id == nil || len(id.privateKey) == 0 {
		return "", errors.New("identity configured without private key")
	}
	sig := ed25519.Sign(id.privateKey, Payload(hostname, ts, body))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKeyBase64 returns the identity's Ed25519 public key in the base64
// form hosts are registered with in the fleet configuration.
func (id *Identity) PublicKeyBase64() string {
	if id == nil || len(id.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(id.publicKey)
}

// Recipient returns the age recipient string for the identity.
func (id *Identity) Recipient() string {
	if id == nil {
		return ""
	}
	return id.recipient
}

// Payload builds the canonical byte string that is signed: the hostname,
// the RFC 3339 timestamp, and a SHA-256 digest of the request body, joined
// with newlines. The body digest keeps signatures fixed-size regardless of
// batch size.
func Payload(hostname string, ts time.Time, body []byte) []byte {
	digest := sha256.Sum256(body)
	s := hostname + "\n" + strconv.FormatInt(ts.Unix(), 10) + "\n" + base64.StdEncoding.EncodeToString(digest[:])
	return []byte(s)
}

// Verify checks a base64 signature over the canonical payload against a
// base64-encoded Ed25519 public key.
func Verify(publicKeyB64, signature, hostname string, ts time.Time, body []byte) error {
	key, err := DecodePublicKey(publicKeyB64)
	if err != nil {
		return err
	}

	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	if !ed25519.Verify(key, Payload(hostname, ts, body), sigBytes) {
		return ErrVerification
	}
	return nil
}

// DecodePublicKey decodes a registered base64 Ed25519 public key.
func DecodePublicKey(publicKeyB64 string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
