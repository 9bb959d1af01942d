package nar

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidURL is returned if the regexp did not match the given URL.
var ErrInvalidURL = errors.New("invalid nar URL")

// HashPattern matches a StorePath hash: 32 lowercase base32 characters
// (Nix's alphabet, which excludes e, o, u and t).
const HashPattern = `[0-9a-df-np-sv-z]{32}`

var hashValidationRegexp = regexp.MustCompile(`^` + HashPattern + `$`)

// URL represents the parsed form of a NAR stream URL, as referenced by a
// narinfo's URL field: nar/<file_hash>.nar[.<compression>].
type URL struct {
	FileHash    string
	Compression CompressionType
}

// ParseURL parses a NAR URL path component.
func ParseURL(u string) (URL, error) {
	if u == "" {
		return URL{}, ErrInvalidURL
	}

	filename := filepath.Base(u)
	if filename == "" || filename == "." {
		return URL{}, ErrInvalidURL
	}

	hash, afterNar, found := strings.Cut(filename, ".nar")
	if !found || hash == "" {
		return URL{}, ErrInvalidURL
	}

	if !hashValidationRegexp.MatchString(hash) {
		return URL{}, ErrInvalidURL
	}

	var ext string
	if afterNar != "" {
		if !strings.HasPrefix(afterNar, ".") {
			return URL{}, ErrInvalidURL
		}

		ext = afterNar[1:]
	}

	ct, err := CompressionTypeFromExtension(ext)
	if err != nil {
		return URL{}, fmt.Errorf("error computing the compression type: %w", err)
	}

	return URL{FileHash: hash, Compression: ct}, nil
}

// NewLogger returns a new logger annotated with this URL's fields.
func (u URL) NewLogger(log zerolog.Logger) zerolog.Logger {
	return log.With().
		Str("file_hash", u.FileHash).
		Str("compression", u.Compression.String()).
		Logger()
}

// String returns the path component for this URL, relative to the cache
// root: nar/<file_hash>.nar[.<compression>].
func (u URL) String() string {
	p := "nar/" + u.FileHash + ".nar"
	if e := u.Compression.ToFileExtension(); e != "" {
		p += "." + e
	}

	return p
}
