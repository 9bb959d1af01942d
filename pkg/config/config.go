// Package config defines the server's static configuration (spec §6):
// the keys recognized in the config file/environment/flags layering
// done at the cmd/ level, plus the cross-field validation that would
// otherwise be scattered across cmd/ flag validators. pkg/config never
// touches urfave/cli itself; cmd/ maps parsed flags into a Config and
// calls Validate before wiring any of the pkg/* runtime components.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/zhaofengli/attic/pkg/nar"
)

// Mode selects which subsystems a running process starts (spec §6
// Server modes).
type Mode string

const (
	ModeMonolithic           Mode = "monolithic"
	ModeAPIServer            Mode = "api-server"
	ModeGarbageCollector     Mode = "garbage-collector"
	ModeGarbageCollectorOnce Mode = "garbage-collector-once"
	ModeCheckConfig          Mode = "check-config"
)

// StorageType selects the object-store backend.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

var (
	ErrUnknownMode               = errors.New("config: unknown server mode")
	ErrListenRequired            = errors.New("config: listen address is required")
	ErrDatabaseURLRequired       = errors.New("config: database.url is required")
	ErrUnknownStorageType        = errors.New("config: unknown storage.type")
	ErrStoragePathRequired       = errors.New("config: storage.path is required for local storage")
	ErrStorageBucketRequired     = errors.New("config: storage.bucket is required for s3 storage")
	ErrStorageEndpointRequired   = errors.New("config: storage.endpoint is required for s3 storage")
	ErrStorageCredsRequired      = errors.New("config: storage.credentials (access key and secret) are required for s3 storage")
	ErrInvalidChunkSizes         = errors.New("config: chunking.min-size must be <= chunking.avg-size <= chunking.max-size")
	ErrUnknownCompressionType    = errors.New("config: unknown compression.type")
	ErrNoSigningKeyConfigured    = errors.New("config: exactly one of jwt.hs256-secret-base64 or jwt.rs256-{secret,public}-base64 must be set")
	ErrBothSigningKeysConfigured = errors.New("config: jwt.hs256-secret-base64 and jwt.rs256-*-base64 are mutually exclusive")
	ErrRS256KeyPairIncomplete    = errors.New("config: jwt.rs256-secret-base64 and jwt.rs256-public-base64 must both be set")
	ErrNegativeRetention         = errors.New("config: garbage-collection.default-retention-period must be >= 0")
)

// DatabaseConfig is `database.*`.
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// StorageConfig is `storage.*`.
type StorageConfig struct {
	Type StorageType

	// Local
	Path string

	// S3
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// ChunkingConfig is `chunking.*`, passed straight through to
// chunker.Config once units are normalized to bytes.
type ChunkingConfig struct {
	NarSizeThreshold uint64
	MinSize          uint32
	AvgSize          uint32
	MaxSize          uint32
}

// CompressionConfig is `compression.*`.
type CompressionConfig struct {
	Type  nar.CompressionType
	Level int
}

// JWTConfig is `jwt.*`. Exactly one signing method must be configured:
// either HS256SecretBase64 alone, or both RS256SecretBase64 (a PKCS#1
// PEM private key, base64-encoded) and RS256PublicBase64.
type JWTConfig struct {
	HS256SecretBase64 string
	RS256SecretBase64 string
	RS256PublicBase64 string
}

// DecodeHS256Secret returns the raw HMAC secret.
func (j JWTConfig) DecodeHS256Secret() ([]byte, error) {
	return base64.StdEncoding.DecodeString(j.HS256SecretBase64)
}

// DecodeRS256PrivateKey base64-decodes and PEM/PKCS#1-parses the
// signing key.
func (j JWTConfig) DecodeRS256PrivateKey() (*rsa.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(j.RS256SecretBase64)
	if err != nil {
		return nil, fmt.Errorf("config: error decoding jwt.rs256-secret-base64: %w", err)
	}

	block, _ := pem.Decode(der)
	if block == nil {
		return nil, fmt.Errorf("config: jwt.rs256-secret-base64 does not contain a PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: error parsing jwt.rs256-secret-base64: %w", err)
	}

	return key, nil
}

// DecodeRS256PublicKey base64-decodes and PEM/PKIX-parses the
// verification key.
func (j JWTConfig) DecodeRS256PublicKey() (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(j.RS256PublicBase64)
	if err != nil {
		return nil, fmt.Errorf("config: error decoding jwt.rs256-public-base64: %w", err)
	}

	block, _ := pem.Decode(der)
	if block == nil {
		return nil, fmt.Errorf("config: jwt.rs256-public-base64 does not contain a PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("config: error parsing jwt.rs256-public-base64: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("config: jwt.rs256-public-base64 is not an RSA public key")
	}

	return rsaPub, nil
}

// UsesRS256 reports whether the RS256 signing method is configured.
func (j JWTConfig) UsesRS256() bool { return j.RS256SecretBase64 != "" || j.RS256PublicBase64 != "" }

// UsesHS256 reports whether the HS256 signing method is configured.
func (j JWTConfig) UsesHS256() bool { return j.HS256SecretBase64 != "" }

// GCConfig is `garbage-collection.*`.
type GCConfig struct {
	Interval               time.Duration
	DefaultRetentionPeriod time.Duration

	// GraceWindow bounds how long an orphaned NAR or chunk survives
	// before collection (pkg/gc.Config.GraceWindow). Not itself named
	// in spec §6's configuration-keys table, which only calls out
	// `interval` and `default-retention-period`; exposed as
	// `garbage-collection.grace-window` since a fixed grace window
	// would otherwise force every deployment to accept the same
	// assumption about its slowest possible upload.
	GraceWindow time.Duration
}

// Config is the fully parsed, not-yet-validated server configuration.
type Config struct {
	Mode   Mode
	Listen string

	Database    DatabaseConfig
	Storage     StorageConfig
	Chunking    ChunkingConfig
	Compression CompressionConfig
	JWT         JWTConfig
	GC          GCConfig

	RequireProofOfPossession bool

	// MasterSecret seeds pkg/signing.DeriveSigningSecret for every
	// cache's narinfo signing key. Not a recognized config key of its
	// own in spec §6 (the spec names it only implicitly, via §4.6's
	// "signing keys are configurable"); it is derived from
	// JWT.HS256SecretBase64 when HS256 is in use, or must be supplied
	// separately when RS256 tokens are configured (an Open Question,
	// recorded in DESIGN.md).
	MasterSecret []byte
}

// Validate checks cross-field invariants not expressible as a single
// flag's own validator, returning the first violation found. It does
// not touch the network, filesystem, or database; `check-config` mode
// (spec §6) calls exactly this and nothing else.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeMonolithic, ModeAPIServer, ModeGarbageCollector, ModeGarbageCollectorOnce, ModeCheckConfig:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}

	if c.Mode != ModeCheckConfig {
		if c.Mode == ModeMonolithic || c.Mode == ModeAPIServer {
			if c.Listen == "" {
				return ErrListenRequired
			}
		}
	}

	if c.Database.URL == "" {
		return ErrDatabaseURLRequired
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	if c.Chunking.MinSize > c.Chunking.AvgSize || c.Chunking.AvgSize > c.Chunking.MaxSize {
		return ErrInvalidChunkSizes
	}

	if !c.Compression.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCompressionType, c.Compression.Type)
	}

	if err := c.JWT.validate(); err != nil {
		return err
	}

	if c.GC.DefaultRetentionPeriod < 0 {
		return ErrNegativeRetention
	}

	return nil
}

func (s StorageConfig) validate() error {
	switch s.Type {
	case StorageTypeLocal:
		if s.Path == "" {
			return ErrStoragePathRequired
		}
	case StorageTypeS3:
		if s.Bucket == "" {
			return ErrStorageBucketRequired
		}

		if s.Endpoint == "" {
			return ErrStorageEndpointRequired
		}

		if s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return ErrStorageCredsRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorageType, s.Type)
	}

	return nil
}

func (j JWTConfig) validate() error {
	if j.UsesHS256() && j.UsesRS256() {
		return ErrBothSigningKeysConfigured
	}

	if !j.UsesHS256() && !j.UsesRS256() {
		return ErrNoSigningKeyConfigured
	}

	if j.UsesRS256() && (j.RS256SecretBase64 == "" || j.RS256PublicBase64 == "") {
		return ErrRS256KeyPairIncomplete
	}

	return nil
}
