// Package attempt drives one transaction attempt: staging per-document
// mutations, flipping the attempt's ATR entry at the commit point, and
// applying or reverting staged state. The forward (unstage) and reverse
// (revert) paths live in recovery.go and are shared with lost-attempt
// cleanup, so every step here must stay idempotent and safe to re-run from
// another process.
package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// Engine-level errors surfaced by attempt operations.
var (
	// ErrExpired indicates the attempt passed its expiry before reaching the
	// commit point.
	ErrExpired = errors.New("attempt: expired")
	// ErrCommitAmbiguous indicates the commit CAS failed and the outcome now
	// belongs to recovery.
	ErrCommitAmbiguous = errors.New("attempt: commit ambiguous")
	// ErrWriteConflict indicates a document is staged by another live
	// attempt and the bounded wait was exhausted.
	ErrWriteConflict = errors.New("attempt: write-write conflict")
	// ErrDocumentNotFound mirrors storage.ErrNotFound at the attempt surface.
	ErrDocumentNotFound = errors.New("attempt: document not found")
	// ErrDocumentExists indicates an insert targeted a document that already
	// exists outside any transaction. Not retryable; the document will not go
	// away on its own.
	ErrDocumentExists = errors.New("attempt: document exists")
	// ErrAttemptFinished indicates an operation was issued after the attempt
	// reached a terminal state.
	ErrAttemptFinished = errors.New("attempt: already finished")
)

// ForeignResolver is invoked when a read encounters a document staged by a
// different attempt that looks abandoned, giving the lost-attempt subsystem
// a chance to resolve it before the read retries.
type ForeignResolver func(ctx context.Context, meta *storage.TxnMeta) error

// Deps carries the collaborators an attempt or recovery path needs.
type Deps struct {
	Store   storage.Store
	ATRs    *atr.Store
	Clock   clock.Clock
	Logger  pslog.Logger
	Backoff BackoffConfig
	Query   storage.QueryExecutor
	// ResolveForeign may be nil, in which case foreign staged documents are
	// only waited on.
	ResolveForeign ForeignResolver
}

func (d *Deps) normalize() {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = pslog.NoopLogger()
	}
	d.Backoff.Normalize()
}

// Config parameterizes a new attempt.
type Config struct {
	AttemptID     string
	TransactionID string
	// MetadataCollection hosts the ATR documents.
	MetadataCollection storage.Collection
	NumATRs            int
	ExpiresAfter       time.Duration
	// ForeignWait bounds how long a read waits on a foreign staged document
	// before failing with ErrWriteConflict.
	ForeignWait time.Duration
}

type stagedDoc struct {
	mutation atr.StagedMutation
	cas      uint64
	preImage json.RawMessage
}

// Attempt is one execution of a transaction body. Not safe for concurrent
// use; each attempt belongs to a single logical task.
type Attempt struct {
	deps Deps
	cfg  Config

	startedAt time.Time

	mu      sync.Mutex
	state   atr.State
	atrRef  *storage.ATRRef
	staged  []stagedDoc
	entries bool // ATR entry created
}

// New begins an attempt in the pending state. The ATR entry is created
// lazily on the first mutation so read-only attempts never touch an ATR.
func New(deps Deps, cfg Config) *Attempt {
	deps.normalize()
	if cfg.NumATRs <= 0 {
		cfg.NumATRs = atr.DefaultNumRecords
	}
	if cfg.ExpiresAfter <= 0 {
		cfg.ExpiresAfter = 15 * time.Second
	}
	if cfg.ForeignWait <= 0 {
		cfg.ForeignWait = 1 * time.Second
	}
	return &Attempt{
		deps:      deps,
		cfg:       cfg,
		startedAt: deps.Clock.Now(),
		state:     atr.StatePending,
	}
}

// ID returns the attempt id.
func (a *Attempt) ID() string { return a.cfg.AttemptID }

// State returns the attempt's local view of its lifecycle state.
func (a *Attempt) State() atr.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ATR returns the attempt's ATR location, once a mutation pinned one.
func (a *Attempt) ATR() (storage.ATRRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.atrRef == nil {
		return storage.ATRRef{}, false
	}
	return *a.atrRef, true
}

func (a *Attempt) expiry() time.Time {
	return a.startedAt.Add(a.cfg.ExpiresAfter)
}

func (a *Attempt) checkUsable() error {
	if a.state != atr.StatePending {
		return ErrAttemptFinished
	}
	if !a.deps.Clock.Now().Before(a.expiry()) {
		return ErrExpired
	}
	return nil
}

// ensureEntry creates the attempt's ATR entry on first use. The ATR document
// is picked by hashing the first mutated document id so hot collections
// spread over the ATR shard space.
func (a *Attempt) ensureEntry(ctx context.Context, firstDocID string) error {
	if a.entries {
		return nil
	}
	atrID := atr.IDForDoc(firstDocID, a.cfg.NumATRs)
	ref := storage.ATRRef{Collection: a.cfg.MetadataCollection, ID: atrID}
	err := a.deps.ATRs.CreateEntry(ctx, ref.Collection, ref.ID, &atr.Entry{
		AttemptID:      a.cfg.AttemptID,
		TransactionID:  a.cfg.TransactionID,
		State:          atr.StatePending,
		StartUnixMs:    a.startedAt.UnixMilli(),
		ExpiresAfterMs: a.cfg.ExpiresAfter.Milliseconds(),
	})
	if err != nil {
		return err
	}
	a.atrRef = &ref
	a.entries = true
	return nil
}

func (a *Attempt) findStaged(col storage.Collection, id string) *stagedDoc {
	for i := range a.staged {
		m := &a.staged[i].mutation
		if m.Collection == col && m.DocID == id {
			return &a.staged[i]
		}
	}
	return nil
}

// syncEntryMutations persists the attempt's mutation list to its ATR entry.
// A mutation is recorded here before its staged document is written, so the
// entry's list always covers every staged document; the reverse window, an
// entry naming a document that was never staged, is a no-op for recovery.
func (a *Attempt) syncEntryMutations(ctx context.Context) error {
	muts := make([]atr.StagedMutation, len(a.staged))
	for i := range a.staged {
		muts[i] = a.staged[i].mutation
	}
	return a.deps.ATRs.SetMutations(ctx, a.atrRef.Collection, a.atrRef.ID, a.cfg.AttemptID, muts)
}

// syncQuietly re-syncs the mutation list after a failed staging write. An
// over-wide list is harmless, so failure here only logs.
func (a *Attempt) syncQuietly(ctx context.Context) {
	if err := a.syncEntryMutations(ctx); err != nil {
		a.deps.Logger.Debug("attempt.entry.sync_failed",
			"attempt_id", a.cfg.AttemptID, "error", err)
	}
}

// Get reads a document. The attempt's own staged writes are visible
// (read-your-own-writes); a document staged by a foreign live attempt is
// waited on for a bounded interval, triggering lost-attempt resolution when
// the foreign attempt looks abandoned.
func (a *Attempt) Get(ctx context.Context, col storage.Collection, id string) (*storage.Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return nil, err
	}
	if local := a.findStaged(col, id); local != nil {
		switch local.mutation.Type {
		case storage.MutationRemove:
			return nil, ErrDocumentNotFound
		default:
			return &storage.Document{Content: local.mutation.StagedContent, CAS: local.cas}, nil
		}
	}
	deadline := a.deps.Clock.Now().Add(a.cfg.ForeignWait)
	var doc *storage.Document
	err := retryUntil(ctx, a.deps.Clock, a.deps.Backoff, deadline, func(ctx context.Context) (bool, error) {
		got, err := a.deps.Store.Get(ctx, col, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, ErrDocumentNotFound
			}
			return storage.IsTransient(err), err
		}
		if got.Staged() && !got.StagedBy(a.cfg.AttemptID) {
			if a.deps.ResolveForeign != nil {
				if rerr := a.deps.ResolveForeign(ctx, got.Txn); rerr != nil {
					a.deps.Logger.Debug("attempt.get.foreign_resolve_failed",
						"doc", id, "foreign_attempt", got.Txn.AttemptID, "error", rerr)
				}
			}
			return true, fmt.Errorf("%w: doc %s staged by attempt %s", ErrWriteConflict, id, got.Txn.AttemptID)
		}
		if got.Staged() && got.Txn.Op == storage.MutationInsert {
			// Our own staged insert read back before unstaging.
			doc = &storage.Document{Content: got.Txn.Staged, CAS: got.CAS}
			return false, nil
		}
		doc = got
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if doc.Content == nil && doc.Staged() {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// Insert stages a document creation. The document materializes with staged
// metadata only; non-transactional readers resolve it to "absent" until the
// attempt commits and unstages it.
func (a *Attempt) Insert(ctx context.Context, col storage.Collection, id string, content json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return err
	}
	if a.findStaged(col, id) != nil {
		return fmt.Errorf("%w: doc %s already staged in this attempt", ErrWriteConflict, id)
	}
	if err := a.ensureEntry(ctx, id); err != nil {
		return err
	}
	a.staged = append(a.staged, stagedDoc{
		mutation: atr.StagedMutation{
			Collection:    col,
			DocID:         id,
			Type:          storage.MutationInsert,
			StagedContent: content,
		},
	})
	if err := a.syncEntryMutations(ctx); err != nil {
		a.staged = a.staged[:len(a.staged)-1]
		return err
	}
	meta := &storage.TxnMeta{
		AttemptID: a.cfg.AttemptID,
		ATR:       *a.atrRef,
		Op:        storage.MutationInsert,
		Staged:    content,
	}
	cas, err := a.stageWrite(ctx, col, id, nil, meta, 0)
	if err != nil {
		a.staged = a.staged[:len(a.staged)-1]
		a.syncQuietly(ctx)
		if errors.Is(err, ErrWriteConflict) {
			return a.classifyInsertConflict(ctx, col, id, err)
		}
		return err
	}
	a.staged[len(a.staged)-1].cas = cas
	return nil
}

// classifyInsertConflict distinguishes an insert landing on a plain existing
// document (terminal) from one landing on a foreign staged document (a
// write-write conflict the caller may retry after resolution).
func (a *Attempt) classifyInsertConflict(ctx context.Context, col storage.Collection, id string, conflict error) error {
	doc, err := a.deps.Store.Get(ctx, col, id)
	if err != nil {
		return conflict
	}
	if doc.Staged() && !doc.StagedBy(a.cfg.AttemptID) {
		if a.deps.ResolveForeign != nil {
			if rerr := a.deps.ResolveForeign(ctx, doc.Txn); rerr != nil {
				a.deps.Logger.Debug("attempt.insert.foreign_resolve_failed",
					"doc", id, "foreign_attempt", doc.Txn.AttemptID, "error", rerr)
			}
		}
		return fmt.Errorf("%w: doc %s staged by attempt %s", ErrWriteConflict, id, doc.Txn.AttemptID)
	}
	return fmt.Errorf("%w: doc %s", ErrDocumentExists, id)
}

// Replace stages a content replacement, capturing the pre-image CAS so a
// rollback can verify nothing moved underneath.
func (a *Attempt) Replace(ctx context.Context, col storage.Collection, id string, content json.RawMessage) error {
	return a.stageAgainstPreImage(ctx, col, id, storage.MutationReplace, content)
}

// Remove stages a document removal.
func (a *Attempt) Remove(ctx context.Context, col storage.Collection, id string) error {
	return a.stageAgainstPreImage(ctx, col, id, storage.MutationRemove, nil)
}

func (a *Attempt) stageAgainstPreImage(ctx context.Context, col storage.Collection, id string, op storage.MutationType, content json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkUsable(); err != nil {
		return err
	}
	if local := a.findStaged(col, id); local != nil {
		// Restaging within the same attempt updates the staged payload in
		// place; the pre-image captured at first staging stays authoritative.
		return a.restage(ctx, local, op, content)
	}
	doc, err := a.deps.Store.Get(ctx, col, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDocumentNotFound
		}
		return err
	}
	if doc.Staged() && !doc.StagedBy(a.cfg.AttemptID) {
		if a.deps.ResolveForeign != nil {
			if rerr := a.deps.ResolveForeign(ctx, doc.Txn); rerr != nil {
				a.deps.Logger.Debug("attempt.stage.foreign_resolve_failed",
					"doc", id, "foreign_attempt", doc.Txn.AttemptID, "error", rerr)
			}
		}
		return fmt.Errorf("%w: doc %s staged by attempt %s", ErrWriteConflict, id, doc.Txn.AttemptID)
	}
	if err := a.ensureEntry(ctx, id); err != nil {
		return err
	}
	a.staged = append(a.staged, stagedDoc{
		mutation: atr.StagedMutation{
			Collection:    col,
			DocID:         id,
			Type:          op,
			StagedContent: content,
			PreImageCAS:   doc.CAS,
		},
		preImage: doc.Content,
	})
	if err := a.syncEntryMutations(ctx); err != nil {
		a.staged = a.staged[:len(a.staged)-1]
		return err
	}
	meta := &storage.TxnMeta{
		AttemptID:   a.cfg.AttemptID,
		ATR:         *a.atrRef,
		Op:          op,
		Staged:      content,
		PreImageCAS: doc.CAS,
	}
	cas, err := a.stageWrite(ctx, col, id, doc.Content, meta, doc.CAS)
	if err != nil {
		a.staged = a.staged[:len(a.staged)-1]
		a.syncQuietly(ctx)
		return err
	}
	a.staged[len(a.staged)-1].cas = cas
	return nil
}

func (a *Attempt) restage(ctx context.Context, local *stagedDoc, op storage.MutationType, content json.RawMessage) error {
	if local.mutation.Type == storage.MutationInsert && op == storage.MutationRemove {
		// Removing our own staged insert stages nothing to apply; keep the
		// insert staged with empty content so rollback still deletes it.
		op = storage.MutationInsert
		content = nil
	}
	prevType, prevContent := local.mutation.Type, local.mutation.StagedContent
	local.mutation.Type = op
	local.mutation.StagedContent = content
	if err := a.syncEntryMutations(ctx); err != nil {
		local.mutation.Type, local.mutation.StagedContent = prevType, prevContent
		return err
	}
	meta := &storage.TxnMeta{
		AttemptID:   a.cfg.AttemptID,
		ATR:         *a.atrRef,
		Op:          op,
		Staged:      content,
		PreImageCAS: local.mutation.PreImageCAS,
	}
	cas, err := a.stageWrite(ctx, local.mutation.Collection, local.mutation.DocID, local.preImage, meta, local.cas)
	if err != nil {
		local.mutation.Type, local.mutation.StagedContent = prevType, prevContent
		a.syncQuietly(ctx)
		return err
	}
	local.cas = cas
	return nil
}

// stageWrite performs the staging MutateTxn with backoff on transient
// failures, bounded by the attempt expiry.
func (a *Attempt) stageWrite(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	var newCAS uint64
	err := retryUntil(ctx, a.deps.Clock, a.deps.Backoff, a.expiry(), func(ctx context.Context) (bool, error) {
		var err error
		newCAS, err = a.deps.Store.MutateTxn(ctx, col, id, content, meta, cas)
		if err != nil {
			return storage.IsTransient(err), err
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return 0, fmt.Errorf("%w: doc %s changed while staging", ErrWriteConflict, id)
		}
		return 0, err
	}
	return newCAS, nil
}

// Query executes a statement through the query capability within the
// attempt. Statement results reflect committed state only; staged mutations
// of this attempt are not visible to the query engine.
func (a *Attempt) Query(ctx context.Context, statement string, params []any, consistency storage.QueryConsistency) ([]json.RawMessage, error) {
	a.mu.Lock()
	if err := a.checkUsable(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	q := a.deps.Query
	a.mu.Unlock()
	if q == nil {
		return nil, storage.ErrNotImplemented
	}
	return q.Query(ctx, statement, params, consistency)
}

// Commit performs the single CAS flipping the ATR entry from pending to
// committed, then applies every staged mutation. Once the CAS succeeds the
// transaction will be fully applied, by this process or a later cleaner;
// commit failure after that point is resumable, never an undo.
func (a *Attempt) Commit(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != atr.StatePending {
		return ErrAttemptFinished
	}
	if len(a.staged) == 0 || !a.entries {
		// Read-only attempt: nothing durable to flip.
		a.state = atr.StateCompleted
		return nil
	}
	if !a.deps.Clock.Now().Before(a.expiry()) {
		return ErrExpired
	}

	err := a.deps.ATRs.TransitionState(ctx, a.atrRef.Collection, a.atrRef.ID, a.cfg.AttemptID, atr.StatePending, atr.StateCommitted)
	if err != nil {
		// Entry gone, claimed, or unreachable: the outcome is unknown to this
		// process and recovery owns it from here.
		return fmt.Errorf("%w: %v", ErrCommitAmbiguous, err)
	}
	a.state = atr.StateCommitted

	entry := a.entrySnapshot()
	if err := Forward(ctx, a.deps, *a.atrRef, entry, a.expiry()); err != nil {
		// The commit point passed; recovery finishes the forward path later.
		return err
	}
	a.state = atr.StateCompleted
	return nil
}

// Rollback reverts every staged mutation to its pre-image and marks the
// entry rolled back. Safe to call on an attempt that staged nothing and safe
// to race with a cleaner resolving the same attempt.
func (a *Attempt) Rollback(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case atr.StatePending, atr.StateAborted:
	default:
		return ErrAttemptFinished
	}
	if len(a.staged) == 0 || !a.entries {
		a.state = atr.StateRolledBack
		return nil
	}

	if a.state == atr.StatePending {
		err := a.deps.ATRs.TransitionState(ctx, a.atrRef.Collection, a.atrRef.ID, a.cfg.AttemptID, atr.StatePending, atr.StateAborted)
		switch {
		case err == nil:
		case errors.Is(err, atr.ErrEntryNotFound):
			// A racing cleaner already resolved and compacted us.
			a.state = atr.StateRolledBack
			return nil
		case errors.Is(err, atr.ErrStateConflict):
			return fmt.Errorf("attempt %s: %w", a.cfg.AttemptID, err)
		default:
			return err
		}
		a.state = atr.StateAborted
	}

	entry := a.entrySnapshot()
	entry.State = atr.StateAborted
	deadline := a.deps.Clock.Now().Add(a.cfg.ExpiresAfter)
	if err := Reverse(ctx, a.deps, *a.atrRef, entry, deadline); err != nil {
		return err
	}
	a.state = atr.StateRolledBack
	return nil
}

func (a *Attempt) entrySnapshot() *atr.Entry {
	muts := make([]atr.StagedMutation, len(a.staged))
	for i := range a.staged {
		muts[i] = a.staged[i].mutation
	}
	return &atr.Entry{
		AttemptID:       a.cfg.AttemptID,
		TransactionID:   a.cfg.TransactionID,
		State:           a.state,
		StartUnixMs:     a.startedAt.UnixMilli(),
		ExpiresAfterMs:  a.cfg.ExpiresAfter.Milliseconds(),
		StagedMutations: muts,
	}
}
