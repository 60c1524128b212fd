package txns

import (
	"errors"
	"fmt"
)

// Terminal transaction outcomes surfaced by Manager.Run. Internal retries
// never escape; only these cross the engine boundary.
var (
	// ErrTransactionExpired indicates the transaction ran out of time before
	// reaching the commit point. Staged state has been rolled back, or will
	// be by cleanup.
	ErrTransactionExpired = errors.New("txns: transaction expired")

	// ErrTransactionCommitAmbiguous indicates the commit CAS raced and the
	// outcome is unknown to this process. Ownership of resolution has passed
	// to the lost-attempt cleanup subsystem; the transaction may yet commit.
	ErrTransactionCommitAmbiguous = errors.New("txns: commit ambiguous")

	// ErrTransactionFailed wraps a transaction that rolled back due to a
	// non-retryable failure other than an application error.
	ErrTransactionFailed = errors.New("txns: transaction failed")

	// ErrDocumentNotFound is returned by reads and replace/remove staging for
	// absent documents.
	ErrDocumentNotFound = errors.New("txns: document not found")

	// ErrDocumentExists is returned by insert staging when the target document
	// already exists outside any transaction. Terminal for the transaction;
	// retrying cannot help.
	ErrDocumentExists = errors.New("txns: document already exists")

	// ErrAttemptExpired indicates a single attempt passed its expiry;
	// Manager.Run handles it internally, callers only see it when driving an
	// AttemptContext directly.
	ErrAttemptExpired = errors.New("txns: attempt expired")

	// ErrManagerClosed is returned once Close has been called.
	ErrManagerClosed = errors.New("txns: manager closed")
)

// FailedError carries the application error that caused a rollback, when the
// transaction body returned one. The cause propagates unchanged via Unwrap.
type FailedError struct {
	TransactionID string
	Cause         error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("txns: transaction %s rolled back: %v", e.TransactionID, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Is makes every FailedError match ErrTransactionFailed so callers can
// detect the category without losing the wrapped cause.
func (e *FailedError) Is(target error) bool { return target == ErrTransactionFailed }
