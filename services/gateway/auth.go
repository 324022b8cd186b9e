package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"nixfleet/pkg/credential"
)

const (
	headerHost      = "X-Fleet-Host"
	headerTimestamp = "X-Fleet-Timestamp"
	headerSignature = "X-Fleet-Signature"

	maxBodyBytes = 1 << 20
)

type hostContextKey struct{}

// hostLookup resolves a hostname to its registered record. Split out so the
// auth middleware is testable without a database.
type hostLookup func(ctx context.Context, hostname string) (Host, error)

func (a *API) fetchHostByName(ctx context.Context, hostname string) (Host, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var model hostModel
	err := a.store.ORM.WithContext(ctx).First(&model, "hostname = ?", hostname).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Host{}, fmt.Errorf("%w: unknown host %q", ErrAuthentication, hostname)
		}
		return Host{}, err
	}
	return model.toAPI(), nil
}

// requireAgentAuth verifies the agent's Ed25519 signature over the request
// before letting it reach a handler. The authenticated host is stored on the
// request context.
func requireAgentAuth(lookup hostLookup, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hostname := strings.TrimSpace(r.Header.Get(headerHost))
			tsRaw := strings.TrimSpace(r.Header.Get(headerTimestamp))
			signature := strings.TrimSpace(r.Header.Get(headerSignature))

			if hostname == "" || tsRaw == "" || signature == "" {
				respondError(w, http.StatusUnauthorized, ErrAuthentication)
				return
			}

			unix, err := strconv.ParseInt(tsRaw, 10, 64)
			if err != nil {
				respondError(w, http.StatusUnauthorized, ErrAuthentication)
				return
			}
			ts := time.Unix(unix, 0).UTC()

			if skew := now().UTC().Sub(ts); skew > maxClockSkew || skew < -maxClockSkew {
				respondError(w, http.StatusUnauthorized, fmt.Errorf("%w: timestamp outside accepted window", ErrAuthentication))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				respondError(w, http.StatusBadRequest, err)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			host, err := lookup(r.Context(), hostname)
			if err != nil {
				if errors.Is(err, ErrAuthentication) {
					respondError(w, http.StatusUnauthorized, ErrAuthentication)
					return
				}
				respondError(w, http.StatusInternalServerError, err)
				return
			}

			if err := credential.Verify(host.PublicKey, signature, hostname, ts, body); err != nil {
				respondError(w, http.StatusUnauthorized, ErrAuthentication)
				return
			}

			ctx := context.WithValue(r.Context(), hostContextKey{}, host)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// hostFromContext returns the host the auth middleware stored.
func hostFromContext(ctx context.Context) (Host, bool) {
	host, ok := ctx.Value(hostContextKey{}).(Host)
	return host, ok
}
