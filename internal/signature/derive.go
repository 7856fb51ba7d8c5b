// Package signature derives a stable per-flow SignatureId from request
// attributes and coordinates the per-signature request record store and
// aggregate behavior computation.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"net"
	"strings"
)

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Fields are the normalized attributes folded into a signature.
type Fields struct {
	UserAgentFamily string
	RemoteIP        string
	AcceptLanguage  string
	TLSFingerprint  string // ja4 or equivalent, optional
	ClientPlatform  string // client-hint platform, optional
}

// Derive computes HMAC-SHA256(secret, ordered normalized fields), truncated
// to 128 bits and Base32-encoded to 26 characters. Deterministic: identical
// fields and secret always yield the same signature id.
func Derive(secret []byte, f Fields) string {
	normalized := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(f.UserAgentFamily)),
		reduceIP(f.RemoteIP),
		primaryLanguageTag(f.AcceptLanguage),
		strings.ToLower(strings.TrimSpace(f.TLSFingerprint)),
		strings.ToLower(strings.TrimSpace(f.ClientPlatform)),
	}, "|")

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(normalized))
	sum := mac.Sum(nil)

	// 128 bits = 16 bytes; Base32 of 16 bytes (no padding) is 26 characters.
	truncated := sum[:16]
	return base32Encoding.EncodeToString(truncated)
}

// reduceIP collapses an IPv4 address to its /24 prefix or an IPv6 address to
// its /64 prefix, so signature derivation is stable across addresses within
// the same small block.
func reduceIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	if v4 := ip.To4(); v4 != nil {
		n := net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
		return n.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}
	masked := v6.Mask(net.CIDRMask(64, 128))
	n := net.IPNet{IP: masked, Mask: net.CIDRMask(64, 128)}
	return n.String()
}

// primaryLanguageTag reduces an Accept-Language header to its primary tag,
// e.g. "en-US,en;q=0.9" → "en-us".
func primaryLanguageTag(acceptLanguage string) string {
	al := strings.TrimSpace(acceptLanguage)
	if al == "" {
		return ""
	}
	first := strings.Split(al, ",")[0]
	first = strings.Split(first, ";")[0]
	return strings.ToLower(strings.TrimSpace(first))
}
