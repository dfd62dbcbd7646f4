// Package ledger provides sentinel errors for the audit-trail store.
package ledger

import "errors"

// Sentinel errors for ledger operations.
var (
	// ErrTxNotFound is returned when a requested transition record is
	// not found in the audit trail.
	ErrTxNotFound = errors.New("ledger: transaction not found")
)
