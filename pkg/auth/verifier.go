package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenValidationFailed is returned when a token's signature,
// algorithm, or expiry check fails.
var ErrTokenValidationFailed = errors.New("token validation failed")

// Verifier checks tokens minted by an Issuer using the same signing
// method and the corresponding verification key (the HMAC secret
// itself for HS256, or the RSA public key for RS256).
type Verifier struct {
	method jwt.SigningMethod
	key    any
}

// NewHS256Verifier builds a Verifier for HMAC-SHA256 tokens.
func NewHS256Verifier(secret []byte) *Verifier {
	return &Verifier{method: jwt.SigningMethodHS256, key: secret}
}

// NewRS256Verifier builds a Verifier for RSA-SHA256 tokens.
func NewRS256Verifier(key *rsa.PublicKey) *Verifier {
	return &Verifier{method: jwt.SigningMethodRS256, key: key}
}

// Verify parses and validates rawToken, returning its claims on
// success. The configured signing method is the only one accepted;
// an RS256 verifier rejects an HS256 token and vice versa.
func (v *Verifier) Verify(rawToken string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(rawToken, claims, func(_ *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{v.method.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenValidationFailed, err)
	}

	return claims, nil
}
