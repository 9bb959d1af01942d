// Package signing derives per-cache Ed25519 signing keys from a single
// master secret and signs narinfo fingerprints with them.
//
// Every cache gets its own keypair so that compromising one cache's
// key (or its upstream-facing narinfo) never exposes another cache's
// signatures. The keypair is not stored anywhere: it is re-derived on
// demand from the master secret and the cache name, so the same pair
// of inputs always yields the same key and therefore the same
// signature for a given fingerprint.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoPrefix = "attic.rs/cache-signing-key/v1/"

// DeriveSigningSecret expands masterSecret into a 32-byte seed specific
// to cacheName using HKDF-SHA256, with cacheName folded into the info
// parameter so that distinct caches never derive the same seed even if
// they happen to share a master secret.
func DeriveSigningSecret(masterSecret []byte, cacheName string) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("signing: master secret must not be empty")
	}

	info := []byte(hkdfInfoPrefix + cacheName)

	r := hkdf.New(sha256.New, masterSecret, nil, info)

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("signing: error deriving seed for cache %q: %w", cacheName, err)
	}

	return seed, nil
}

// DeriveSecretKey derives the Nix-format Ed25519 secret key for a
// cache. The key name embedded in the wire format (and hence in the
// "Sig:" lines it produces) is cacheName itself.
func DeriveSecretKey(masterSecret []byte, cacheName string) (signature.SecretKey, error) {
	seed, err := DeriveSigningSecret(masterSecret, cacheName)
	if err != nil {
		return signature.SecretKey{}, err
	}

	priv := ed25519.NewKeyFromSeed(seed)

	wire := cacheName + ":" + base64.StdEncoding.EncodeToString(priv)

	sk, err := signature.LoadSecretKey(wire)
	if err != nil {
		return signature.SecretKey{}, fmt.Errorf("signing: error loading derived secret key for cache %q: %w", cacheName, err)
	}

	return sk, nil
}

// KeyProvider caches derived secret keys per cache so that repeated
// signing operations against the same cache don't re-run HKDF and
// Ed25519 key expansion on every call.
//
// The derivation is cheap and fully deterministic, so unlike a cache
// of externally-sourced secrets this one needs no weak/expiring
// retention: an evicted entry just costs one re-derivation, never a
// correctness problem. A plain mutex-guarded map is therefore enough.
type KeyProvider struct {
	masterSecret []byte

	mu   sync.Mutex
	keys map[int64]signature.SecretKey
}

// NewKeyProvider returns a KeyProvider backed by masterSecret.
func NewKeyProvider(masterSecret []byte) *KeyProvider {
	return &KeyProvider{
		masterSecret: masterSecret,
		keys:         make(map[int64]signature.SecretKey),
	}
}

// SecretKeyFor returns the derived secret key for the given cache,
// deriving and caching it on first use.
func (p *KeyProvider) SecretKeyFor(cacheID int64, cacheName string) (signature.SecretKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sk, ok := p.keys[cacheID]; ok {
		return sk, nil
	}

	sk, err := DeriveSecretKey(p.masterSecret, cacheName)
	if err != nil {
		return signature.SecretKey{}, err
	}

	p.keys[cacheID] = sk

	return sk, nil
}

// PublicKeyFor returns the derived public key for the given cache, in
// the same "<name>:<base64>" wire format Nix clients expect in
// nix-cache-info and trusted-public-keys.
func (p *KeyProvider) PublicKeyFor(cacheID int64, cacheName string) (string, error) {
	sk, err := p.SecretKeyFor(cacheID, cacheName)
	if err != nil {
		return "", err
	}

	return sk.ToPublicKey().String(), nil
}

// Forget drops any cached key for cacheID, forcing the next
// SecretKeyFor call to re-derive it. The server calls it when a cache
// is destroyed.
func (p *KeyProvider) Forget(cacheID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.keys, cacheID)
}

// Sign appends a fresh signature over narInfo's fingerprint to
// narInfo.Signatures, using the cache's derived secret key. It never
// removes existing signatures, so re-signing a narinfo that already
// carries an upstream signature preserves that signature alongside
// the local one.
func (p *KeyProvider) Sign(cacheID int64, cacheName string, narInfo *narinfo.NarInfo) error {
	sk, err := p.SecretKeyFor(cacheID, cacheName)
	if err != nil {
		return err
	}

	sig, err := sk.Sign(nil, narInfo.Fingerprint())
	if err != nil {
		return fmt.Errorf("signing: error signing narinfo for cache %q: %w", cacheName, err)
	}

	narInfo.Signatures = append(narInfo.Signatures, sig)

	return nil
}
