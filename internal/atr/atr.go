// Package atr manages Active Transaction Records: shared bookkeeping
// documents holding the state of every in-flight attempt for a shard of the
// keyspace. All mutations go through CAS-guarded read-modify-write so
// concurrent attempts sharing one record never clobber each other's entries.
package atr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	farm "github.com/dgryski/go-farm"

	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// DocPrefix is the document id prefix shared by all ATR documents.
const DocPrefix = "_txn:atr-"

// DefaultNumRecords is the number of ATR documents the keyspace is sharded
// over when not configured otherwise.
const DefaultNumRecords = 1024

const defaultCASRetries = 16

// State captures the lifecycle state of an attempt entry.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateAborted    State = "aborted"
	StateRolledBack State = "rolled_back"
	StateCompleted  State = "completed"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack
}

// ErrEntryNotFound indicates the attempt entry is absent from the record.
// Expected when cleanup races have already resolved and compacted it.
var (
	ErrEntryNotFound = errors.New("atr: attempt entry not found")
	ErrStateConflict = errors.New("atr: attempt entry state conflict")
)

// StagedMutation records one staged document write owned by an attempt.
type StagedMutation struct {
	Collection    storage.Collection   `json:"coll"`
	DocID         string               `json:"doc_id"`
	Type          storage.MutationType `json:"type"`
	StagedContent json.RawMessage      `json:"staged,omitempty"`
	PreImageCAS   uint64               `json:"pre_cas,omitempty"`
}

// Entry is the per-attempt record inside an ATR document.
type Entry struct {
	AttemptID       string           `json:"aid"`
	TransactionID   string           `json:"tid,omitempty"`
	State           State            `json:"st"`
	StartUnixMs     int64            `json:"start_ms"`
	ExpiresAfterMs  int64            `json:"exp_ms"`
	StagedMutations []StagedMutation `json:"muts,omitempty"`
}

// Expired reports whether the attempt is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	if e == nil || e.ExpiresAfterMs <= 0 {
		return false
	}
	deadline := time.UnixMilli(e.StartUnixMs + e.ExpiresAfterMs)
	return !now.Before(deadline)
}

type record struct {
	Attempts map[string]*Entry `json:"attempts"`
}

// IDForDoc maps a document id to the ATR document responsible for it. The
// mapping only needs to be deterministic; farmhash keeps it stable across
// processes and releases.
func IDForDoc(docID string, numRecords int) string {
	if numRecords <= 0 {
		numRecords = DefaultNumRecords
	}
	shard := farm.Fingerprint64([]byte(docID)) % uint64(numRecords)
	return fmt.Sprintf("%s%d", DocPrefix, shard)
}

// Store reads and writes ATR documents through the document store.
type Store struct {
	store      storage.Store
	clock      clock.Clock
	casRetries int
}

// NewStore constructs an ATR store.
func NewStore(st storage.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		store:      st,
		clock:      clk,
		casRetries: defaultCASRetries,
	}
}

func (s *Store) loadRecord(ctx context.Context, col storage.Collection, atrID string) (*record, uint64, error) {
	doc, err := s.store.Get(ctx, col, atrID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &record{Attempts: map[string]*Entry{}}, 0, nil
		}
		return nil, 0, err
	}
	var rec record
	if err := json.Unmarshal(doc.Content, &rec); err != nil {
		return nil, 0, fmt.Errorf("atr: malformed record %s: %w", atrID, err)
	}
	if rec.Attempts == nil {
		rec.Attempts = map[string]*Entry{}
	}
	return &rec, doc.CAS, nil
}

func (s *Store) storeRecord(ctx context.Context, col storage.Collection, atrID string, rec *record, cas uint64) error {
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("atr: encode record %s: %w", atrID, err)
	}
	if cas == 0 {
		_, err = s.store.Insert(ctx, col, atrID, content)
	} else {
		_, err = s.store.Replace(ctx, col, atrID, content, cas)
	}
	return err
}

// mutate runs fn against the attempt's entry inside a CAS retry loop. fn sees
// the record's live entry map and may add, update, or delete the entry; any
// error from fn aborts the loop unchanged.
func (s *Store) mutate(ctx context.Context, col storage.Collection, atrID string, fn func(rec *record) error) error {
	var lastErr error
	for i := 0; i < s.casRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, cas, err := s.loadRecord(ctx, col, atrID)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		err = s.storeRecord(ctx, col, atrID, rec, cas)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return err
		}
		lastErr = err
		s.clock.Sleep(time.Duration(i+1) * time.Millisecond)
	}
	return fmt.Errorf("atr: cas retries exhausted for %s: %w", atrID, lastErr)
}

// CreateEntry appends a new pending entry for the attempt. Fails with
// ErrStateConflict when the attempt id already has an entry.
func (s *Store) CreateEntry(ctx context.Context, col storage.Collection, atrID string, entry *Entry) error {
	return s.mutate(ctx, col, atrID, func(rec *record) error {
		if _, exists := rec.Attempts[entry.AttemptID]; exists {
			return fmt.Errorf("%w: attempt %s already present", ErrStateConflict, entry.AttemptID)
		}
		dup := *entry
		rec.Attempts[entry.AttemptID] = &dup
		return nil
	})
}

// TransitionState flips the entry from one state to another. The commit
// transition (pending to committed) rides this single CAS write; its success
// is the transaction's linearization point. Fails with ErrEntryNotFound when
// the entry vanished and ErrStateConflict when its state does not match from.
func (s *Store) TransitionState(ctx context.Context, col storage.Collection, atrID, attemptID string, from, to State) error {
	return s.mutate(ctx, col, atrID, func(rec *record) error {
		entry, ok := rec.Attempts[attemptID]
		if !ok {
			return ErrEntryNotFound
		}
		if entry.State != from {
			return fmt.Errorf("%w: have %s, want %s", ErrStateConflict, entry.State, from)
		}
		entry.State = to
		return nil
	})
}

// SetMutations replaces the staged mutation list recorded for the attempt.
func (s *Store) SetMutations(ctx context.Context, col storage.Collection, atrID, attemptID string, muts []StagedMutation) error {
	return s.mutate(ctx, col, atrID, func(rec *record) error {
		entry, ok := rec.Attempts[attemptID]
		if !ok {
			return ErrEntryNotFound
		}
		entry.StagedMutations = append([]StagedMutation(nil), muts...)
		return nil
	})
}

// RemoveEntry deletes the attempt's entry from the record. Removing an absent
// entry is a no-op; cleanup races make that the common case.
func (s *Store) RemoveEntry(ctx context.Context, col storage.Collection, atrID, attemptID string) error {
	return s.mutate(ctx, col, atrID, func(rec *record) error {
		delete(rec.Attempts, attemptID)
		return nil
	})
}

// FindEntry returns the attempt's entry when present. Absence is reported via
// ok=false, not an error: two cleanup processes racing on the same attempt is
// expected and the loser simply observes the entry gone.
func (s *Store) FindEntry(ctx context.Context, col storage.Collection, atrID, attemptID string) (*Entry, bool, error) {
	rec, _, err := s.loadRecord(ctx, col, atrID)
	if err != nil {
		return nil, false, err
	}
	entry, ok := rec.Attempts[attemptID]
	if !ok {
		return nil, false, nil
	}
	dup := *entry
	return &dup, true, nil
}

// ListEntries returns all entries in the ATR document, in no particular
// order. A missing document yields an empty list.
func (s *Store) ListEntries(ctx context.Context, col storage.Collection, atrID string) ([]Entry, error) {
	rec, _, err := s.loadRecord(ctx, col, atrID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rec.Attempts))
	for _, entry := range rec.Attempts {
		entries = append(entries, *entry)
	}
	return entries, nil
}
