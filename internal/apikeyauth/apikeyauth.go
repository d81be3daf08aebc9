// Package apikeyauth is the control plane's sole auth mechanism: a static set of API
// keys checked in constant time, extracted from Authorization: Bearer, X-API-Key, or an
// api_key query parameter. Multi-tenant authorization and OIDC/service-account chains
// are out of scope.
package apikeyauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
)

// Validator holds the set of accepted API keys.
type Validator struct {
	mu      sync.RWMutex
	keys    map[string]bool
	enabled bool
}

// NewFromEnv builds a Validator from a comma-separated CPLANE_API_KEYS env var. An
// unset or empty var disables enforcement entirely (Enabled() reports false).
func NewFromEnv() *Validator {
	return New(strings.Split(os.Getenv("CPLANE_API_KEYS"), ","))
}

// New builds a Validator from an explicit key list; blank entries are ignored.
func New(keys []string) *Validator {
	v := &Validator{keys: make(map[string]bool)}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			v.keys[k] = true
			v.enabled = true
		}
	}
	return v
}

// Enabled reports whether any key has been configured.
func (v *Validator) Enabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled
}

// AddKey registers a key at runtime.
func (v *Validator) AddKey(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[key] = true
	v.enabled = true
}

// RemoveKey revokes a key at runtime.
func (v *Validator) RemoveKey(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.keys, key)
	v.enabled = len(v.keys) > 0
}

// Valid reports whether candidate matches a configured key, comparing in constant time.
func (v *Validator) Valid(candidate string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for key := range v.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// KeyFingerprint returns a short, non-reversible identifier for candidate suitable for
// audit logs (never the raw key).
func KeyFingerprint(candidate string) string {
	sum := sha256.Sum256([]byte(candidate))
	return fmt.Sprintf("apikey:%x", sum)[:23]
}

// extractKey pulls the API key from Authorization: Bearer, X-API-Key, or ?api_key=.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// Middleware rejects any request lacking a valid API key with 401, when enabled. When
// no keys are configured it is a no-op passthrough (local/dev mode).
func Middleware(v *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			key := extractKey(r)
			if key == "" || !v.Valid(key) {
				http.Error(w, `{"detail":"invalid or missing API key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
