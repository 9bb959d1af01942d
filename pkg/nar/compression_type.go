// Package nar provides helpers for working with NAR stream URLs and the
// compression extensions used on the wire, independent of how a NAR is
// chunked or stored.
package nar

import (
	"errors"
	"fmt"
)

// ErrUnknownFileExtension is returned if the file extension is not known.
var ErrUnknownFileExtension = errors.New("file extension is not known")

// CompressionType represents the per-chunk compression algorithms Attic
// supports. This mirrors ChunkObject.compression in the data model.
type CompressionType string

const (
	CompressionTypeNone   CompressionType = "none"
	CompressionTypeZstd   CompressionType = "zstd"
	CompressionTypeXz     CompressionType = "xz"
	CompressionTypeBrotli CompressionType = "brotli"
)

// CompressionTypeFromExtension returns the compression type given a URL
// file extension (the suffix after ".nar").
func CompressionTypeFromExtension(ext string) (CompressionType, error) {
	switch ext {
	case "":
		return CompressionTypeNone, nil
	case "zst":
		return CompressionTypeZstd, nil
	case "xz":
		return CompressionTypeXz, nil
	case "br":
		return CompressionTypeBrotli, nil
	default:
		return CompressionType(""), fmt.Errorf("%q: %w", ext, ErrUnknownFileExtension)
	}
}

// ToFileExtension returns the file extension associated with the
// compression type, or "" for CompressionTypeNone.
func (ct CompressionType) ToFileExtension() string {
	switch ct {
	case CompressionTypeZstd:
		return "zst"
	case CompressionTypeXz:
		return "xz"
	case CompressionTypeBrotli:
		return "br"
	case CompressionTypeNone:
		fallthrough
	default:
		return ""
	}
}

// CompressionTypeFromString returns s as a CompressionType without
// validation; used when the value is already known-good (e.g. read back
// from the database).
func CompressionTypeFromString(s string) CompressionType { return CompressionType(s) }

// String returns the CompressionType as a string.
func (ct CompressionType) String() string { return string(ct) }

// Valid reports whether ct is one of the supported compression types.
func (ct CompressionType) Valid() bool {
	switch ct {
	case CompressionTypeNone, CompressionTypeZstd, CompressionTypeXz, CompressionTypeBrotli:
		return true
	default:
		return false
	}
}
