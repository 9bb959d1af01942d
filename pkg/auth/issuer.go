package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints tokens. A deployment configures exactly one signing
// method, matching whichever of `jwt.hs256-secret-base64` or
// `jwt.rs256-secret-base64` was set.
type Issuer struct {
	method jwt.SigningMethod
	key    any
	issuer string
}

// NewHS256Issuer builds an Issuer that signs tokens with HMAC-SHA256.
func NewHS256Issuer(secret []byte, issuerName string) *Issuer {
	return &Issuer{method: jwt.SigningMethodHS256, key: secret, issuer: issuerName}
}

// NewRS256Issuer builds an Issuer that signs tokens with RSA-SHA256.
func NewRS256Issuer(key *rsa.PrivateKey, issuerName string) *Issuer {
	return &Issuer{method: jwt.SigningMethodRS256, key: key, issuer: issuerName}
}

// Issue mints a signed JWT for subject, valid for ttl, granting the
// permissions in caches (a map from cache-name glob to Permission).
func (i *Issuer) Issue(subject string, ttl time.Duration, caches map[string]Permission) (string, error) {
	now := time.Now()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Attic: AtticClaims{Caches: caches},
	}

	token := jwt.NewWithClaims(i.method, claims)

	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("auth: error signing token: %w", err)
	}

	return signed, nil
}
