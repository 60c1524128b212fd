// Package storage defines the document store contract the transaction engine
// is built on. Backends expose single-document operations guarded by CAS
// tokens; no multi-document primitive is assumed. Documents may carry staged
// transactional metadata alongside their application-visible content, and the
// two are always written together in one CAS-guarded mutation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound indicates the requested document is missing.
var (
	ErrNotFound       = errors.New("storage: document not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrTimeout        = errors.New("storage: operation timed out")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Collection identifies a (bucket, scope, collection) namespace.
type Collection struct {
	Bucket     string `json:"bkt"`
	Scope      string `json:"scp"`
	Collection string `json:"coll"`
}

// String renders the collection as bucket.scope.collection.
func (c Collection) String() string {
	return c.Bucket + "." + c.Scope + "." + c.Collection
}

// MutationType enumerates the staged mutation kinds.
type MutationType string

const (
	MutationInsert  MutationType = "insert"
	MutationReplace MutationType = "replace"
	MutationRemove  MutationType = "remove"
)

// ATRRef locates the active transaction record an attempt is bookkept in.
type ATRRef struct {
	Collection Collection `json:"coll"`
	ID         string     `json:"id"`
}

// TxnMeta is the transactional metadata attached to a staged document. A
// document with nil TxnMeta is plain; a non-nil TxnMeta marks the body as
// carrying an in-flight staged mutation owned by AttemptID.
type TxnMeta struct {
	AttemptID   string          `json:"aid"`
	ATR         ATRRef          `json:"atr"`
	Op          MutationType    `json:"op"`
	Staged      json.RawMessage `json:"staged,omitempty"`
	PreImageCAS uint64          `json:"pre_cas,omitempty"`
}

// Document pairs application-visible content with optional staged metadata
// and the CAS token observed at read time.
type Document struct {
	Content json.RawMessage
	Txn     *TxnMeta
	CAS     uint64
}

// Staged reports whether the document carries in-flight transactional
// metadata.
func (d *Document) Staged() bool {
	return d != nil && d.Txn != nil
}

// StagedBy reports whether the document is staged by the given attempt.
func (d *Document) StagedBy(attemptID string) bool {
	return d.Staged() && d.Txn.AttemptID == attemptID
}

// Store is the single-document capability consumed by the engine. Every
// mutation is conditional: zero cas means create-only for Insert, and
// last-observed-CAS for Replace/Remove. MutateTxn writes content and
// transactional metadata together under one CAS so staging and unstaging are
// individually atomic.
type Store interface {
	// Get returns the document, including staged metadata when present.
	Get(ctx context.Context, col Collection, id string) (*Document, error)

	// Insert creates the document; fails with ErrCASMismatch if it exists.
	Insert(ctx context.Context, col Collection, id string, content json.RawMessage) (uint64, error)

	// Replace overwrites content (clearing any staged metadata) iff the CAS
	// matches.
	Replace(ctx context.Context, col Collection, id string, content json.RawMessage, cas uint64) (uint64, error)

	// Remove deletes the document iff the CAS matches.
	Remove(ctx context.Context, col Collection, id string, cas uint64) error

	// MutateTxn writes content plus transactional metadata in one CAS-guarded
	// operation. A nil meta clears staging. cas zero requires the document to
	// not exist yet.
	MutateTxn(ctx context.Context, col Collection, id string, content json.RawMessage, meta *TxnMeta, cas uint64) (uint64, error)

	// ListIDs enumerates document ids in the collection with the given prefix
	// in ascending lexical order.
	ListIDs(ctx context.Context, col Collection, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// QueryConsistency selects the scan consistency for query execution.
type QueryConsistency string

const (
	QueryNotBounded  QueryConsistency = "not_bounded"
	QueryRequestPlus QueryConsistency = "request_plus"
)

// QueryExecutor is the optional query/analytics capability, consumed for
// ATR discovery scans and cross-document queries inside an attempt.
type QueryExecutor interface {
	Query(ctx context.Context, statement string, params []any, consistency QueryConsistency) ([]json.RawMessage, error)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable. Timeouts are
// always considered transient.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var te transientError
	return errors.As(err, &te)
}
