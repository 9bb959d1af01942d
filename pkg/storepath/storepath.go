// Package storepath implements parsing and validation of StorePath, the
// content-addressed filesystem path entity described in spec §3: an
// absolute path of the form /<store-dir>/<base32-hash>-<name>, of which
// only the hash and name are meaningful to Attic.
package storepath

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ErrInvalidHash is returned if a hash does not match the expected
// 32-character base32 pattern.
var ErrInvalidHash = errors.New("invalid store path hash")

// ErrInvalidName is returned if a store path's name component fails the
// glob [A-Za-z0-9_+.?=-]+ used in practice for Nix store path names.
var ErrInvalidName = errors.New("invalid store path name")

// ErrInvalidPath is returned if the path as a whole cannot be split into
// a hash and a name.
var ErrInvalidPath = errors.New("invalid store path")

// HashPattern matches a 32-character base32-encoded hash in Nix's
// restricted alphabet (digits and lowercase letters minus e, o, u, t).
const HashPattern = `[0-9a-df-np-sv-z]{32}`

var (
	hashRegexp = regexp.MustCompile(`^` + HashPattern + `$`)
	nameRegexp = regexp.MustCompile(`^[A-Za-z0-9+._?=-]+$`)
)

// StorePath is the decomposed form of a Nix store path's basename: the
// content-addressed hash and the human-readable name that follows it.
type StorePath struct {
	Hash string
	Name string
}

// ValidateHash validates that hash matches the expected pattern.
func ValidateHash(hash string) error {
	if !hashRegexp.MatchString(hash) {
		return fmt.Errorf("%q: %w", hash, ErrInvalidHash)
	}

	return nil
}

// ValidateName validates that name matches the expected pattern.
func ValidateName(name string) error {
	if name == "" || !nameRegexp.MatchString(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}

	return nil
}

// Parse splits a store path basename (hash-name, with or without a leading
// store directory) into its StorePath components.
func Parse(p string) (StorePath, error) {
	base := path.Base(p)

	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return StorePath{}, fmt.Errorf("%q: %w", p, ErrInvalidPath)
	}

	hash, name := base[:idx], base[idx+1:]

	if err := ValidateHash(hash); err != nil {
		return StorePath{}, err
	}

	if err := ValidateName(name); err != nil {
		return StorePath{}, err
	}

	return StorePath{Hash: hash, Name: name}, nil
}

// String reconstructs the store path basename (without a store directory).
func (sp StorePath) String() string { return sp.Hash + "-" + sp.Name }
