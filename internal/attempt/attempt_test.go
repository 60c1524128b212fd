package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
	"pkt.systems/txns/internal/storage/memory"
)

var (
	appCol  = storage.Collection{Bucket: "app", Scope: "_default", Collection: "_default"}
	metaCol = storage.Collection{Bucket: "meta", Scope: "_default", Collection: "_default"}
)

func newTestDeps(clk clock.Clock) (Deps, *memory.Store) {
	store := memory.New()
	deps := Deps{
		Store: store,
		ATRs:  atr.NewStore(store, clk),
		Clock: clk,
	}
	return deps, store
}

func newTestAttempt(deps Deps, id string, expiry time.Duration) *Attempt {
	return New(deps, Config{
		AttemptID:          id,
		TransactionID:      "txn-" + id,
		MetadataCollection: metaCol,
		NumATRs:            16,
		ExpiresAfter:       expiry,
	})
}

func mustInsertPlain(t *testing.T, store *memory.Store, id string, content string) uint64 {
	t.Helper()
	cas, err := store.Insert(context.Background(), appCol, id, json.RawMessage(content))
	if err != nil {
		t.Fatalf("seed insert %s: %v", id, err)
	}
	return cas
}

func getDoc(t *testing.T, store *memory.Store, id string) *storage.Document {
	t.Helper()
	doc, err := store.Get(context.Background(), appCol, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return doc
}

func TestReplaceStagesWithoutTouchingContent(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	doc := getDoc(t, store, "d1")
	if string(doc.Content) != `{"v":1}` {
		t.Fatalf("pre-image must stay visible, got %s", doc.Content)
	}
	if !doc.StagedBy("a1") {
		t.Fatal("expected staged metadata for a1")
	}
	if string(doc.Txn.Staged) != `{"v":2}` {
		t.Fatalf("unexpected staged content %s", doc.Txn.Staged)
	}

	ref, ok := att.ATR()
	if !ok {
		t.Fatal("expected ATR pinned after first mutation")
	}
	entry, found, err := deps.ATRs.FindEntry(ctx, ref.Collection, ref.ID, "a1")
	if err != nil || !found {
		t.Fatalf("atr entry: found=%v err=%v", found, err)
	}
	if entry.State != atr.StatePending || len(entry.StagedMutations) != 1 {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestCommitAppliesStagedMutations(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := att.Insert(ctx, appCol, "d2", json.RawMessage(`{"fresh":true}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := att.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if att.State() != atr.StateCompleted {
		t.Fatalf("expected completed, got %s", att.State())
	}

	d1 := getDoc(t, store, "d1")
	if string(d1.Content) != `{"v":2}` || d1.Staged() {
		t.Fatalf("d1 not unstaged: %s staged=%v", d1.Content, d1.Staged())
	}
	d2 := getDoc(t, store, "d2")
	if string(d2.Content) != `{"fresh":true}` || d2.Staged() {
		t.Fatalf("d2 not unstaged: %s staged=%v", d2.Content, d2.Staged())
	}

	ref, _ := att.ATR()
	entry, found, err := deps.ATRs.FindEntry(ctx, ref.Collection, ref.ID, "a1")
	if err != nil || !found {
		t.Fatalf("atr entry: found=%v err=%v", found, err)
	}
	if entry.State != atr.StateCompleted {
		t.Fatalf("expected completed entry, got %s", entry.State)
	}
}

func TestForwardPathIdempotent(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := att.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	casAfterCommit := getDoc(t, store, "d1").CAS

	ref, _ := att.ATR()
	entry, found, err := deps.ATRs.FindEntry(ctx, ref.Collection, ref.ID, "a1")
	if err != nil || !found {
		t.Fatalf("atr entry: %v", err)
	}
	// Re-running the whole forward path must be a no-op in content.
	if err := Forward(ctx, deps, ref, entry, deps.Clock.Now().Add(time.Second)); err != nil {
		t.Fatalf("re-run forward: %v", err)
	}
	doc := getDoc(t, store, "d1")
	if string(doc.Content) != `{"v":2}` {
		t.Fatalf("content changed on re-run: %s", doc.Content)
	}
	if doc.CAS != casAfterCommit {
		t.Fatalf("re-run rewrote the document: cas %d vs %d", doc.CAS, casAfterCommit)
	}
}

func TestRollbackRestoresPreImages(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := att.Insert(ctx, appCol, "d2", json.RawMessage(`{"fresh":true}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := att.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if att.State() != atr.StateRolledBack {
		t.Fatalf("expected rolled back, got %s", att.State())
	}

	d1 := getDoc(t, store, "d1")
	if string(d1.Content) != `{"v":1}` || d1.Staged() {
		t.Fatalf("d1 not reverted: %s staged=%v", d1.Content, d1.Staged())
	}
	if _, err := store.Get(ctx, appCol, "d2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("staged insert must be deleted on rollback, got %v", err)
	}

	// Re-running the reverse path on the already-reverted state is a no-op.
	ref, _ := att.ATR()
	entry := &atr.Entry{
		AttemptID: "a1",
		State:     atr.StateAborted,
		StagedMutations: []atr.StagedMutation{
			{Collection: appCol, DocID: "d1", Type: storage.MutationReplace},
			{Collection: appCol, DocID: "d2", Type: storage.MutationInsert},
		},
	}
	if err := Reverse(ctx, deps, ref, entry, deps.Clock.Now().Add(time.Second)); err != nil {
		t.Fatalf("re-run reverse: %v", err)
	}
	if got := getDoc(t, store, "d1"); string(got.Content) != `{"v":1}` {
		t.Fatalf("re-run disturbed d1: %s", got.Content)
	}
}

func TestStagedInsertInvisibleAsContent(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Insert(ctx, appCol, "d2", json.RawMessage(`{"fresh":true}`)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	doc := getDoc(t, store, "d2")
	if doc.Content != nil {
		t.Fatalf("staged insert must carry no visible content, got %s", doc.Content)
	}
	if !doc.StagedBy("a1") || doc.Txn.Op != storage.MutationInsert {
		t.Fatalf("unexpected staging %+v", doc.Txn)
	}
}

func TestReadYourOwnWrites(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	doc, err := att.Get(ctx, appCol, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc.Content) != `{"v":2}` {
		t.Fatalf("expected own staged content, got %s", doc.Content)
	}

	if err := att.Remove(ctx, appCol, "d1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := att.Get(ctx, appCol, "d1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected own staged remove to read as absent, got %v", err)
	}
}

func TestForeignStagedDocumentConflicts(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	cas := mustInsertPlain(t, store, "d1", `{"v":1}`)
	ctx := context.Background()

	foreign := &storage.TxnMeta{
		AttemptID: "other",
		ATR:       storage.ATRRef{Collection: metaCol, ID: "_txn:atr-3"},
		Op:        storage.MutationReplace,
		Staged:    json.RawMessage(`{"v":9}`),
	}
	if _, err := store.MutateTxn(ctx, appCol, "d1", json.RawMessage(`{"v":1}`), foreign, cas); err != nil {
		t.Fatalf("stage foreign: %v", err)
	}

	var resolved atomic.Int64
	deps.ResolveForeign = func(ctx context.Context, meta *storage.TxnMeta) error {
		resolved.Add(1)
		return nil
	}
	att := New(deps, Config{
		AttemptID:          "a1",
		MetadataCollection: metaCol,
		NumATRs:            16,
		ExpiresAfter:       15 * time.Second,
		ForeignWait:        20 * time.Millisecond,
	})
	if _, err := att.Get(ctx, appCol, "d1"); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected write conflict, got %v", err)
	}
	if resolved.Load() == 0 {
		t.Fatal("expected foreign resolution to be triggered")
	}
	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected staging against foreign doc to conflict, got %v", err)
	}
}

func TestExpiredAttemptRejectsOperations(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(5000, 0))
	deps, store := newTestDeps(clk)
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", time.Second)
	ctx := context.Background()

	clk.Advance(2 * time.Second)
	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if err := att.Commit(ctx); err != nil {
		t.Fatalf("read-only commit after expiry: %v", err)
	}
}

func TestCommitAmbiguousWhenEntryClaimed(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	// A cleaner claims the entry between staging and commit.
	ref, _ := att.ATR()
	if err := deps.ATRs.TransitionState(ctx, ref.Collection, ref.ID, "a1", atr.StatePending, atr.StateAborted); err != nil {
		t.Fatalf("claim entry: %v", err)
	}
	if err := att.Commit(ctx); !errors.Is(err, ErrCommitAmbiguous) {
		t.Fatalf("expected commit ambiguous, got %v", err)
	}
}

func TestRestageSameDocumentUpdatesInPlace(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":3}`)); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if err := att.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if doc := getDoc(t, store, "d1"); string(doc.Content) != `{"v":3}` {
		t.Fatalf("expected last staged value, got %s", doc.Content)
	}
}

func TestReadOnlyAttemptTouchesNoATR(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if _, err := att.Get(ctx, appCol, "d1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := att.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := att.ATR(); ok {
		t.Fatal("read-only attempt must not pin an ATR")
	}
	ids, err := store.ListIDs(ctx, metaCol, atr.DocPrefix)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("no ATR documents expected, got %v", ids)
	}
}

// orderCheckStore observes the first staging write against a document and
// records whether the attempt's ATR entry already listed the mutation at
// that moment.
type orderCheckStore struct {
	storage.Store
	atrs      *atr.Store
	attemptID string
	docID     string
	checked   atomic.Bool
	listed    atomic.Bool
}

func (s *orderCheckStore) MutateTxn(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	if col == appCol && id == s.docID && meta != nil && s.checked.CompareAndSwap(false, true) {
		entry, ok, err := s.atrs.FindEntry(ctx, meta.ATR.Collection, meta.ATR.ID, s.attemptID)
		if err == nil && ok {
			for _, m := range entry.StagedMutations {
				if m.Collection == col && m.DocID == id {
					s.listed.Store(true)
				}
			}
		}
	}
	return s.Store.MutateTxn(ctx, col, id, content, meta, cas)
}

func TestEntryListsMutationBeforeDocumentWrite(t *testing.T) {
	t.Parallel()
	base := memory.New()
	atrs := atr.NewStore(base, clock.Real{})
	ordered := &orderCheckStore{Store: base, atrs: atrs, attemptID: "a1", docID: "d1"}
	deps := Deps{Store: ordered, ATRs: atrs, Clock: clock.Real{}}
	mustInsertPlain(t, base, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !ordered.checked.Load() {
		t.Fatal("staging write never observed")
	}
	// A crash between the two writes must leave the document coverable by
	// entry-driven rollback, so the entry has to list the mutation first.
	if !ordered.listed.Load() {
		t.Fatal("entry must list the mutation before the document is staged")
	}
}

// failMutateStore fails staging writes against one document while letting
// everything else through.
type failMutateStore struct {
	storage.Store
	docID string
}

func (s *failMutateStore) MutateTxn(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	if col == appCol && id == s.docID && meta != nil {
		return 0, errors.New("backend rejected write")
	}
	return s.Store.MutateTxn(ctx, col, id, content, meta, cas)
}

func TestFailedStageWriteKeepsEntryAccurate(t *testing.T) {
	t.Parallel()
	base := memory.New()
	atrs := atr.NewStore(base, clock.Real{})
	deps := Deps{Store: &failMutateStore{Store: base, docID: "d1"}, ATRs: atrs, Clock: clock.Real{}}
	mustInsertPlain(t, base, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err == nil {
		t.Fatal("expected staging failure")
	}
	ref, ok := att.ATR()
	if !ok {
		t.Fatal("expected ATR pinned")
	}
	entry, found, err := atrs.FindEntry(ctx, ref.Collection, ref.ID, "a1")
	if err != nil || !found {
		t.Fatalf("atr entry: found=%v err=%v", found, err)
	}
	if len(entry.StagedMutations) != 0 {
		t.Fatalf("entry must not keep a mutation that never staged, got %+v", entry.StagedMutations)
	}
	if doc := getDoc(t, base, "d1"); doc.Staged() || string(doc.Content) != `{"v":1}` {
		t.Fatalf("document must be untouched, got %s staged=%v", doc.Content, doc.Staged())
	}
	if err := att.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestInsertExistingDocumentFailsFast(t *testing.T) {
	t.Parallel()
	deps, store := newTestDeps(clock.Real{})
	mustInsertPlain(t, store, "d1", `{"v":1}`)
	att := newTestAttempt(deps, "a1", 15*time.Second)
	ctx := context.Background()

	err := att.Insert(ctx, appCol, "d1", json.RawMessage(`{"v":2}`))
	if !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("expected ErrDocumentExists, got %v", err)
	}
	if errors.Is(err, ErrWriteConflict) {
		t.Fatal("existing document must not surface as a retryable conflict")
	}

	// A document staged for insert by another live attempt is a conflict,
	// not a terminal exists.
	other := newTestAttempt(deps, "a0", 15*time.Second)
	if err := other.Insert(ctx, appCol, "d2", json.RawMessage(`{"theirs":true}`)); err != nil {
		t.Fatalf("foreign insert: %v", err)
	}
	err = att.Insert(ctx, appCol, "d2", json.RawMessage(`{"ours":true}`))
	if !errors.Is(err, ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict for foreign staged doc, got %v", err)
	}
}
