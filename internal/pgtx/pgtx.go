// Package pgtx runs SERIALIZABLE PostgreSQL transactions, retrying
// serialization failures and deadlocks.
package pgtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/renecastillotv/clic-ledger/internal/retry"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Policy is the retry policy used by WithSerializableTx.
var Policy = retry.Policy{
	MaxAttempts: 5,
	BaseDelay:   retry.DefaultPolicy.BaseDelay,
	MaxDelay:    retry.DefaultPolicy.MaxDelay,
	Retryable:   IsRetryable,
}

// IsRetryable reports whether err is a PostgreSQL serialization failure or
// deadlock.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
}

// IsUniqueViolation reports whether err is a unique constraint violation,
// optionally on the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// WithSerializableTx runs fn inside a SERIALIZABLE transaction and commits
// when it returns nil. Any error from fn rolls the transaction back.
// Serialization failures re-run fn from scratch in a new transaction.
func WithSerializableTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, Policy, func(ctx context.Context) error {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}
