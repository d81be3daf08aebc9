package apikeyauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatorRejectsUnknownKey(t *testing.T) {
	v := New([]string{"secret-1"})
	assert.True(t, v.Valid("secret-1"))
	assert.False(t, v.Valid("secret-2"))
}

func TestNewWithNoKeysIsDisabled(t *testing.T) {
	v := New(nil)
	assert.False(t, v.Enabled())
}

func TestAddKeyThenRemoveKeyTogglesEnabled(t *testing.T) {
	v := New(nil)
	v.AddKey("k1")
	assert.True(t, v.Enabled())
	v.RemoveKey("k1")
	assert.False(t, v.Enabled())
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	v := New(nil)
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/artifact/ws-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRejectsMissingKeyWhenEnabled(t *testing.T) {
	v := New([]string{"secret-1"})
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/artifact/ws-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsBearerAndXAPIKeyAndQueryParam(t *testing.T) {
	v := New([]string{"secret-1"})
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []func(r *http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-1") },
		func(r *http.Request) { r.Header.Set("X-API-Key", "secret-1") },
		func(r *http.Request) { q := r.URL.Query(); q.Set("api_key", "secret-1"); r.URL.RawQuery = q.Encode() },
	}
	for _, setup := range cases {
		req := httptest.NewRequest(http.MethodGet, "/artifact/ws-1", nil)
		setup(req)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
