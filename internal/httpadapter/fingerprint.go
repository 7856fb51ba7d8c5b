package httpadapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// BrowserFingerprintResult is the server-side record of one submitted
// client fingerprint, keyed by IP hash rather than signature so a payload
// posted before the first protected request still matches.
type BrowserFingerprintResult struct {
	IPHash      string          `json:"ip_hash"`
	ReceivedAt  time.Time       `json:"received_at"`
	Fingerprint json.RawMessage `json:"fingerprint"`
}

// FingerprintStore is the bounded in-memory store behind the fingerprint
// submission endpoint. Entries age out after ttl; collection transport is
// an external asset per scope — only the stored result matters here.
type FingerprintStore struct {
	mu      sync.RWMutex
	entries map[string]BrowserFingerprintResult
	ttl     time.Duration
}

// NewFingerprintStore creates a store whose entries expire after ttl
// (default 30 minutes if ≤0, matching the signature TTL).
func NewFingerprintStore(ttl time.Duration) *FingerprintStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &FingerprintStore{entries: make(map[string]BrowserFingerprintResult), ttl: ttl}
	go s.janitor()
	return s
}

// janitor sweeps expired entries for the store's (process-long) lifetime.
func (s *FingerprintStore) janitor() {
	t := time.NewTicker(s.ttl)
	defer t.Stop()
	for now := range t.C {
		s.Purge(now)
	}
}

// Put stores or replaces the fingerprint for an IP hash.
func (s *FingerprintStore) Put(result BrowserFingerprintResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[result.IPHash] = result
}

// Get returns the stored fingerprint for an IP hash, if fresh.
func (s *FingerprintStore) Get(ipHash string) (BrowserFingerprintResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.entries[ipHash]
	if !ok || time.Since(r.ReceivedAt) > s.ttl {
		return BrowserFingerprintResult{}, false
	}
	return r, true
}

// Purge drops entries older than the store TTL, returning the count removed.
func (s *FingerprintStore) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for k, r := range s.entries {
		if now.Sub(r.ReceivedAt) > s.ttl {
			delete(s.entries, k)
			purged++
		}
	}
	return purged
}

// HashIP derives the storage key for a client IP. Truncated so the store
// never holds anything reversible to the raw address.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ip)))
	return hex.EncodeToString(sum[:8])
}

const fingerprintTokenValidity = 10 * time.Minute

// IssueFingerprintToken mints the signed opaque token a page embeds next to
// the fingerprinting script: issued-at timestamp plus an HMAC over it, so
// the submission endpoint only accepts payloads from recently served pages.
func IssueFingerprintToken(secret []byte, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return ts + "." + sig
}

func verifyFingerprintToken(secret []byte, token string, now time.Time) error {
	ts, sig, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("malformed token")
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed token timestamp")
	}
	age := now.Sub(time.Unix(issued, 0))
	if age < 0 || age > fingerprintTokenValidity {
		return fmt.Errorf("token outside validity window")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("token signature mismatch")
	}
	return nil
}

type fingerprintSubmission struct {
	Token       string          `json:"token" binding:"required"`
	Fingerprint json.RawMessage `json:"fingerprint" binding:"required"`
}

// FingerprintHandler accepts a signed token plus a JSON fingerprint blob
// and stores the result keyed by IP hash — POST /fingerprint. The blob is
// stored opaque: interpreting individual fingerprint dimensions is the
// ClientSide detector's concern, and it currently only cares whether a
// browser-claiming client submitted one at all.
func FingerprintHandler(secret []byte, store *FingerprintStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sub fingerprintSubmission
		if err := c.ShouldBindJSON(&sub); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid submission"})
			return
		}
		if err := verifyFingerprintToken(secret, sub.Token, time.Now()); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		store.Put(BrowserFingerprintResult{
			IPHash:      HashIP(c.ClientIP()),
			ReceivedAt:  time.Now(),
			Fingerprint: sub.Fingerprint,
		})
		c.Status(http.StatusNoContent)
	}
}
