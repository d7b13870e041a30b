package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/futarchyfi/condamm/internal/crypto"
)

// maxSignedBodyBytes bounds how much of a request body the HMAC verifier
// will buffer.
const maxSignedBodyBytes = 1 << 20

// Auth returns middleware that validates API requests. Three schemes are
// accepted: a Bearer token in the Authorization header, a static key in the
// X-API-Key header, or an HMAC signature over the request in X-Signature
// plus X-Timestamp. If apiKey is empty, the middleware passes all requests
// through (disabled).
func Auth(apiKey string) func(http.Handler) http.Handler {
	hmacAuth := &crypto.RequestAuth{Secret: apiKey}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// If no API key is configured, authentication is disabled.
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			if sig := r.Header.Get("X-Signature"); sig != "" {
				if verifySignature(hmacAuth, r, sig) {
					next.ServeHTTP(w, r)
				} else {
					writeUnauthorized(w, "invalid request signature")
				}
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifySignature checks an HMAC-signed request. The body is buffered and
// restored so downstream handlers can still read it.
func verifySignature(auth *crypto.RequestAuth, r *http.Request, sig string) bool {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes))
		if err != nil {
			return false
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	err := auth.Verify(r.Method, r.URL.Path, string(body),
		r.Header.Get("X-Timestamp"), sig, time.Now())
	return err == nil
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
