package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Type identifies which SQL dialect a database URL names.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeMySQL
	TypePostgreSQL
	TypeSQLite
)

// DetectFromDatabaseURL detects the database type given a database URL.
func DetectFromDatabaseURL(dbURL string) (Type, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("error parsing the database URL %q: %w", dbURL, err)
	}

	scheme := strings.ToLower(u.Scheme)

	switch {
	case scheme == "mysql" || strings.HasPrefix(scheme, "mysql+"):
		return TypeMySQL, nil
	case scheme == "postgres" || scheme == "postgresql" ||
		strings.HasPrefix(scheme, "postgres+") || strings.HasPrefix(scheme, "postgresql+"):
		return TypePostgreSQL, nil
	case scheme == "sqlite" || scheme == "sqlite3":
		return TypeSQLite, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, scheme)
	}
}

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeMySQL:
		return "MySQL"
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	case TypeUnknown:
		fallthrough
	default:
		return "unknown"
	}
}
