package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// DecodeHS256Secret decodes the `jwt.hs256-secret-base64` configuration
// value into the raw HMAC secret bytes.
func DecodeHS256Secret(encoded string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: error decoding hs256 secret: %w", err)
	}

	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: hs256 secret must not be empty")
	}

	return secret, nil
}

// DecodeRS256PrivateKey decodes the `jwt.rs256-secret-base64`
// configuration value (base64 of a PKCS#1 PEM private key) into an
// *rsa.PrivateKey, for issuing tokens.
func DecodeRS256PrivateKey(encoded string) (*rsa.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: error decoding rs256 private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: rs256 private key does not contain a PEM block")
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: error parsing rs256 private key: %w", err)
	}

	return rsaKey, nil
}

// DecodeRS256PublicKey decodes the `jwt.rs256-public-base64`
// configuration value (base64 of a PEM PKIX public key) into an
// *rsa.PublicKey, for verifying tokens.
func DecodeRS256PublicKey(encoded string) (*rsa.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: error decoding rs256 public key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: rs256 public key does not contain a PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: error parsing rs256 public key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: rs256 public key is not an RSA key")
	}

	return rsaKey, nil
}
