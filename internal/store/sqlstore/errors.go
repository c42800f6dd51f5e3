package sqlstore

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"holdingsitems/internal/holdings"
)

// isUniqueViolation reports a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// isContention reports serialization failures, deadlocks and lock timeouts.
func isContention(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// classify wraps a driver error in the matching holdings sentinel.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, holdings.ErrConflict) || errors.Is(err, holdings.ErrInvariant) ||
		errors.Is(err, holdings.ErrNotFound) || errors.Is(err, holdings.ErrStorage) {
		return err
	}
	if isUniqueViolation(err) || isContention(err) {
		return fmt.Errorf("%s: %w: %w", op, holdings.ErrConflict, err)
	}
	return fmt.Errorf("%s: %w: %w", op, holdings.ErrStorage, err)
}
