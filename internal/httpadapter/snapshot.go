package httpadapter

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/botwave/internal/engine"
)

const (
	visitorCookieName    = "bw_visitor"
	tlsFingerprintHeader = "X-TLS-Fingerprint" // set by a front-proxy capturing the real ClientHello (JA3/JA4); TLS termination is out of this adapter's scope
	clientFingerprintHdr = "X-Client-Fingerprint"
	clientPlatformHdr    = "Sec-CH-UA-Platform"
)

// buildSnapshot turns one inbound request into the engine's RequestSnapshot.
// Geo/ASN classification is delegated to opts.Geo (an external collaborator
// by design); everything else is read directly off the request.
func buildSnapshot(ctx context.Context, c *gin.Context, opts Options, receivedAt time.Time) engine.RequestSnapshot {
	req := c.Request

	geoInfo, err := opts.Geo.Lookup(ctx, c.ClientIP())
	if err != nil {
		geoInfo = engine.GeoInfo{}
	}

	fp := clientFingerprintOf(req)
	if fp == nil && opts.Fingerprints != nil {
		if stored, ok := opts.Fingerprints.Get(HashIP(c.ClientIP())); ok {
			fp = stored.Fingerprint
		}
	}

	return engine.RequestSnapshot{
		Request:            req,
		RequestID:          requestIDOf(c),
		ReceivedAt:         receivedAt,
		Geo:                geoInfo,
		IsReturningVisitor: hasVisitorCookie(req),
		TLSFingerprint:     tlsFingerprintOf(c),
		ClientPlatform:     normalizePlatform(req.Header.Get(clientPlatformHdr)),
		ProtocolVersion:    req.Proto,
		ClientFingerprint:  fp,
	}
}

func requestIDOf(c *gin.Context) string {
	if id, ok := c.Get("RequestId"); ok {
		if s, ok := id.(string); ok && s != "" {
			return s
		}
	}
	return c.GetHeader("X-Request-ID")
}

func hasVisitorCookie(req *http.Request) bool {
	_, err := req.Cookie(visitorCookieName)
	return err == nil
}

// tlsFingerprintOf prefers a fingerprint a front proxy already computed from
// the raw ClientHello (real JA3/JA4 capture happens before TLS termination,
// which this adapter doesn't do); absent that header, it falls back to a
// coarse hash of the negotiated connection state, which is far weaker but
// still distinguishes gross TLS stack differences (Go's net/http client vs
// a real browser).
func tlsFingerprintOf(c *gin.Context) string {
	if fp := c.Request.Header.Get(tlsFingerprintHeader); fp != "" {
		return fp
	}
	tls := c.Request.TLS
	if tls == nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte{byte(tls.Version >> 8), byte(tls.Version)})
	h.Write([]byte{byte(tls.CipherSuite >> 8), byte(tls.CipherSuite)})
	h.Write([]byte(tls.NegotiatedProtocol))
	return "coarse:" + hex.EncodeToString(h.Sum(nil))[:16]
}

func clientFingerprintOf(req *http.Request) []byte {
	raw := req.Header.Get(clientFingerprintHdr)
	if raw == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	return decoded
}

var knownPlatformTokens = map[string]string{
	"windows": "Windows",
	"macos":   "macOS",
	"android": "Android",
	"ios":     "iOS",
	"linux":   "Linux",
	"chrome os": "Chrome OS",
}

// normalizePlatform strips the quoting Sec-CH-UA-Platform sends
// (`"Windows"`) and maps it onto the canonical tokens InconsistencyDetector
// compares against the User-Agent.
func normalizePlatform(raw string) string {
	trimmed := strings.Trim(raw, `"`)
	if canonical, ok := knownPlatformTokens[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}
