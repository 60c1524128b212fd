package txns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/txns/internal/attempt"
	"pkt.systems/txns/internal/storage"
)

// AttemptContext is the surface a transaction body operates through. All
// writes are staged; nothing becomes visible to non-transactional readers
// until the commit point passes and the mutations are unstaged. Not safe for
// concurrent use within one attempt.
type AttemptContext struct {
	mgr *Manager
	att *attempt.Attempt
}

// AttemptID returns the id of the current attempt.
func (tx *AttemptContext) AttemptID() string { return tx.att.ID() }

// GetResult is a read outcome: content plus the CAS observed.
type GetResult struct {
	Content json.RawMessage
	CAS     uint64
}

// Get reads a document, seeing this attempt's own staged writes. Reads of
// documents staged by other live attempts wait briefly and may trigger
// lost-attempt resolution for abandoned ones.
func (tx *AttemptContext) Get(ctx context.Context, col Collection, id string) (*GetResult, error) {
	tx.mgr.ObserveCollection(col)
	doc, err := tx.att.Get(ctx, col, id)
	if err != nil {
		return nil, mapAttemptErr(err)
	}
	return &GetResult{Content: doc.Content, CAS: doc.CAS}, nil
}

// Insert stages the creation of a document.
func (tx *AttemptContext) Insert(ctx context.Context, col Collection, id string, content json.RawMessage) error {
	tx.mgr.ObserveCollection(col)
	return mapAttemptErr(tx.att.Insert(ctx, col, id, content))
}

// Replace stages a full-content replacement of an existing document.
func (tx *AttemptContext) Replace(ctx context.Context, col Collection, id string, content json.RawMessage) error {
	tx.mgr.ObserveCollection(col)
	return mapAttemptErr(tx.att.Replace(ctx, col, id, content))
}

// Remove stages the removal of an existing document.
func (tx *AttemptContext) Remove(ctx context.Context, col Collection, id string) error {
	tx.mgr.ObserveCollection(col)
	return mapAttemptErr(tx.att.Remove(ctx, col, id))
}

// Query executes a statement through the query capability. Results reflect
// committed state; this attempt's staged mutations are not visible.
func (tx *AttemptContext) Query(ctx context.Context, statement string, params []any, consistency QueryConsistency) ([]json.RawMessage, error) {
	rows, err := tx.att.Query(ctx, statement, params, consistency)
	if err != nil {
		return nil, mapAttemptErr(err)
	}
	return rows, nil
}

// mapAttemptErr translates internal attempt errors to the public taxonomy,
// leaving anything unrecognized (application errors included) untouched.
func mapAttemptErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, attempt.ErrDocumentNotFound), errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	case errors.Is(err, attempt.ErrDocumentExists):
		return fmt.Errorf("%w: %v", ErrDocumentExists, err)
	case errors.Is(err, attempt.ErrExpired):
		return fmt.Errorf("%w: %v", ErrAttemptExpired, err)
	default:
		return err
	}
}
