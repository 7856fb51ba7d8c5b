// Package adminauth issues and validates the RS256 tokens guarding the
// operator-facing endpoints (policy reload, signature lookup, unban) that
// sit alongside the public per-request evaluation path.
package adminauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken         = errors.New("adminauth: invalid token")
	ErrTokenExpired         = errors.New("adminauth: token expired")
	ErrInvalidSigningMethod = errors.New("adminauth: unexpected signing method")
)

// Claims identifies the operator and the scope they're allowed to act in.
type Claims struct {
	Subject string `json:"sub"`
	Scope   string `json:"scope"`
	jwt.RegisteredClaims
}

// Manager issues and validates admin tokens.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// NewManager parses a PEM-encoded RSA private key (PKCS8 or PKCS1).
func NewManager(privateKeyPEM string) (*Manager, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("adminauth: no PEM block found")
	}

	var privateKey *rsa.PrivateKey
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ok := false
		privateKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("adminauth: key is not RSA")
		}
	} else {
		var err2 error
		privateKey, err2 = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("adminauth: parse private key: %w", err2)
		}
	}

	return &Manager{privateKey: privateKey, publicKey: &privateKey.PublicKey}, nil
}

// GenerateToken issues a short-lived admin token scoped to a single
// capability (e.g. "policy:reload", "signature:read").
func (m *Manager) GenerateToken(subject, scope string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Scope:   scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}

// Validate parses and verifies a token, returning its claims.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidSigningMethod
		}
		return m.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HasScope reports whether claims grant the required scope exactly or via
// the "admin" superscope.
func (c *Claims) HasScope(required string) bool {
	return c.Scope == required || c.Scope == "admin"
}

// GenerateRSAKeyPair creates a fresh RSA-2048 key pair, PEM-encoded. Used by
// the demo binary to bootstrap a dev signing key when none is configured.
func GenerateRSAKeyPair() (privateKeyPEM, publicKeyPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("adminauth: generate key: %w", err)
	}
	privBytes := x509.MarshalPKCS1PrivateKey(key)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("adminauth: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return string(privPEM), string(pubPEM), nil
}
