package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fingerprintSecret = []byte("fingerprint-test-secret")

func postFingerprint(t *testing.T, handler gin.HandlerFunc, token string, blob json.RawMessage) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/fingerprint", handler)

	body, err := json.Marshal(fingerprintSubmission{Token: token, Fingerprint: blob})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/fingerprint", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.42:50000"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestFingerprintHandlerStoresByIPHash(t *testing.T) {
	store := NewFingerprintStore(time.Minute)
	handler := FingerprintHandler(fingerprintSecret, store)

	token := IssueFingerprintToken(fingerprintSecret, time.Now())
	rec := postFingerprint(t, handler, token, json.RawMessage(`{"canvas":"abc","webgl":"def"}`))
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, ok := store.Get(HashIP("203.0.113.42"))
	require.True(t, ok)
	assert.JSONEq(t, `{"canvas":"abc","webgl":"def"}`, string(stored.Fingerprint))
}

func TestFingerprintHandlerRejectsBadToken(t *testing.T) {
	store := NewFingerprintStore(time.Minute)
	handler := FingerprintHandler(fingerprintSecret, store)

	rec := postFingerprint(t, handler, "forged.token", json.RawMessage(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stale := IssueFingerprintToken(fingerprintSecret, time.Now().Add(-time.Hour))
	rec = postFingerprint(t, handler, stale, json.RawMessage(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey := IssueFingerprintToken([]byte("other-secret"), time.Now())
	rec = postFingerprint(t, handler, wrongKey, json.RawMessage(`{}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, ok := store.Get(HashIP("203.0.113.42"))
	assert.False(t, ok)
}

func TestFingerprintHandlerRejectsMissingFields(t *testing.T) {
	store := NewFingerprintStore(time.Minute)
	handler := FingerprintHandler(fingerprintSecret, store)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/fingerprint", handler)
	req := httptest.NewRequest(http.MethodPost, "/fingerprint", bytes.NewReader([]byte(`{"token":"x"}`)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFingerprintStoreExpiry(t *testing.T) {
	store := NewFingerprintStore(time.Minute)
	store.Put(BrowserFingerprintResult{
		IPHash:      "abcd",
		ReceivedAt:  time.Now().Add(-2 * time.Minute),
		Fingerprint: json.RawMessage(`{}`),
	})

	_, ok := store.Get("abcd")
	assert.False(t, ok, "expired entries are invisible to Get")

	purged := store.Purge(time.Now())
	assert.Equal(t, 1, purged)
}
