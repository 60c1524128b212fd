package attempt

import (
	"context"
	"errors"
	"time"

	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/storage"
)

// Forward applies every staged mutation of a committed attempt and marks the
// entry completed. Idempotent and resumable: any step may have already been
// performed by the original attempt or another cleaner, and re-running the
// whole path is a no-op for mutations whose staged metadata is gone.
func Forward(ctx context.Context, d Deps, ref storage.ATRRef, entry *atr.Entry, deadline time.Time) error {
	d.normalize()
	for i := range entry.StagedMutations {
		m := &entry.StagedMutations[i]
		err := retryUntil(ctx, d.Clock, d.Backoff, deadline, func(ctx context.Context) (bool, error) {
			err := unstageMutation(ctx, d, entry.AttemptID, m)
			if err == nil {
				return false, nil
			}
			if errors.Is(err, storage.ErrCASMismatch) || storage.IsTransient(err) {
				return true, err
			}
			return false, err
		})
		if err != nil {
			return err
		}
	}
	err := d.ATRs.TransitionState(ctx, ref.Collection, ref.ID, entry.AttemptID, atr.StateCommitted, atr.StateCompleted)
	if err != nil && !errors.Is(err, atr.ErrEntryNotFound) && !errors.Is(err, atr.ErrStateConflict) {
		return err
	}
	return nil
}

// Reverse reverts every staged mutation of an aborted attempt to its
// pre-image and marks the entry rolled back. Idempotent under the same rules
// as Forward.
func Reverse(ctx context.Context, d Deps, ref storage.ATRRef, entry *atr.Entry, deadline time.Time) error {
	d.normalize()
	for i := range entry.StagedMutations {
		m := &entry.StagedMutations[i]
		err := retryUntil(ctx, d.Clock, d.Backoff, deadline, func(ctx context.Context) (bool, error) {
			err := revertMutation(ctx, d, entry.AttemptID, m)
			if err == nil {
				return false, nil
			}
			if errors.Is(err, storage.ErrCASMismatch) || storage.IsTransient(err) {
				return true, err
			}
			return false, err
		})
		if err != nil {
			return err
		}
	}
	err := d.ATRs.TransitionState(ctx, ref.Collection, ref.ID, entry.AttemptID, atr.StateAborted, atr.StateRolledBack)
	if err != nil && !errors.Is(err, atr.ErrEntryNotFound) && !errors.Is(err, atr.ErrStateConflict) {
		return err
	}
	return nil
}

// unstageMutation makes one staged mutation the document's real content. The
// staged metadata identity guards idempotence: once the metadata is gone the
// mutation has been applied and re-running is a no-op.
func unstageMutation(ctx context.Context, d Deps, attemptID string, m *atr.StagedMutation) error {
	doc, err := d.Store.Get(ctx, m.Collection, m.DocID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Already applied (remove) or cleaned up from under us.
			return nil
		}
		return err
	}
	if !doc.StagedBy(attemptID) {
		return nil
	}
	switch m.Type {
	case storage.MutationRemove:
		if err := d.Store.Remove(ctx, m.Collection, m.DocID, doc.CAS); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	default:
		_, err := d.Store.Replace(ctx, m.Collection, m.DocID, doc.Txn.Staged, doc.CAS)
		return err
	}
}

// revertMutation restores one staged mutation's pre-image: staged inserts
// are deleted, staged replaces/removes have their metadata stripped leaving
// the untouched pre-image content in place.
func revertMutation(ctx context.Context, d Deps, attemptID string, m *atr.StagedMutation) error {
	doc, err := d.Store.Get(ctx, m.Collection, m.DocID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !doc.StagedBy(attemptID) {
		return nil
	}
	if m.Type == storage.MutationInsert {
		if err := d.Store.Remove(ctx, m.Collection, m.DocID, doc.CAS); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	}
	_, err = d.Store.Replace(ctx, m.Collection, m.DocID, doc.Content, doc.CAS)
	return err
}
