package database

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnsupportedDriver is returned when the database driver is not recognized.
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	// ErrInvalidPostgresUnixURL is returned when a postgres+unix URL is invalid.
	ErrInvalidPostgresUnixURL = errors.New("invalid postgres+unix URL")

	// ErrInvalidMySQLUnixURL is returned when a mysql+unix URL is invalid.
	ErrInvalidMySQLUnixURL = errors.New("invalid mysql+unix URL")

	// ErrNotFound is returned when a row lookup finds nothing.
	ErrNotFound = errors.New("not found")

	// ErrChunkMissing is returned by FinalizeNar when a referenced chunk
	// row does not exist (spec §4.1 finalize_nar).
	ErrChunkMissing = errors.New("chunk missing")

	// ErrNarHashMismatch is returned when a claimed nar_hash does not
	// match what finalize_nar was asked to commit.
	ErrNarHashMismatch = errors.New("nar hash mismatch")
)

// IsDeadlockError checks if the error is a deadlock or a "database busy"
// error. Works across SQLite, PostgreSQL, and MySQL.
func IsDeadlockError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy ||
			sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.Code == sqlite3.ErrProtocol
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 is serialization_failure, 40P01 is deadlock_detected.
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		// 1213 is ER_LOCK_DEADLOCK, 1205 is ER_LOCK_WAIT_TIMEOUT.
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}

	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "deadlock") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database is busy")
}

// IsDuplicateKeyError reports whether err is a unique-constraint
// violation, across SQLite, PostgreSQL, and MySQL.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	errStr := err.Error()

	return strings.Contains(errStr, "Error 1062") || strings.Contains(errStr, "Duplicate entry")
}

// IsNotFoundError checks if the error indicates a row was not found.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
