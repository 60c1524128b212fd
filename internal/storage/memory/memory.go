// Package memory implements storage.Store in process memory; intended for
// tests and local development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"pkt.systems/txns/internal/storage"
)

// Store implements storage.Store with a global mutex and monotonically
// increasing CAS tokens.
type Store struct {
	mu      sync.RWMutex
	docs    map[string]*docEntry
	nextCAS uint64
}

type docEntry struct {
	content json.RawMessage
	txn     *storage.TxnMeta
	cas     uint64
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		docs:    make(map[string]*docEntry),
		nextCAS: 1,
	}
}

func docKey(col storage.Collection, id string) string {
	return col.String() + "/" + id
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneMeta(meta *storage.TxnMeta) *storage.TxnMeta {
	if meta == nil {
		return nil
	}
	dup := *meta
	dup.Staged = cloneRaw(meta.Staged)
	return &dup
}

func (s *Store) bumpCAS() uint64 {
	cas := s.nextCAS
	s.nextCAS++
	return cas
}

// Get returns the document, including staged metadata when present.
func (s *Store) Get(ctx context.Context, col storage.Collection, id string) (*storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.docs[docKey(col, id)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Document{
		Content: cloneRaw(entry.content),
		Txn:     cloneMeta(entry.txn),
		CAS:     entry.cas,
	}, nil
}

// Insert creates the document, failing when it already exists.
func (s *Store) Insert(ctx context.Context, col storage.Collection, id string, content json.RawMessage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(col, id)
	if _, exists := s.docs[key]; exists {
		return 0, storage.ErrCASMismatch
	}
	cas := s.bumpCAS()
	s.docs[key] = &docEntry{content: cloneRaw(content), cas: cas}
	return cas, nil
}

// Replace overwrites content and clears staged metadata when the CAS matches.
func (s *Store) Replace(ctx context.Context, col storage.Collection, id string, content json.RawMessage, cas uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(col, id)
	entry, ok := s.docs[key]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if cas != 0 && entry.cas != cas {
		return 0, storage.ErrCASMismatch
	}
	next := s.bumpCAS()
	s.docs[key] = &docEntry{content: cloneRaw(content), cas: next}
	return next, nil
}

// Remove deletes the document when the CAS matches.
func (s *Store) Remove(ctx context.Context, col storage.Collection, id string, cas uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(col, id)
	entry, ok := s.docs[key]
	if !ok {
		return storage.ErrNotFound
	}
	if cas != 0 && entry.cas != cas {
		return storage.ErrCASMismatch
	}
	delete(s.docs, key)
	return nil
}

// MutateTxn writes content and transactional metadata under one CAS guard.
func (s *Store) MutateTxn(ctx context.Context, col storage.Collection, id string, content json.RawMessage, meta *storage.TxnMeta, cas uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := docKey(col, id)
	entry, ok := s.docs[key]
	if cas == 0 {
		if ok {
			return 0, storage.ErrCASMismatch
		}
	} else {
		if !ok {
			return 0, storage.ErrNotFound
		}
		if entry.cas != cas {
			return 0, storage.ErrCASMismatch
		}
	}
	next := s.bumpCAS()
	s.docs[key] = &docEntry{
		content: cloneRaw(content),
		txn:     cloneMeta(meta),
		cas:     next,
	}
	return next, nil
}

// ListIDs enumerates document ids by prefix in ascending lexical order.
func (s *Store) ListIDs(ctx context.Context, col storage.Collection, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	nsPrefix := col.String() + "/"
	var ids []string
	for key := range s.docs {
		if !strings.HasPrefix(key, nsPrefix) {
			continue
		}
		id := strings.TrimPrefix(key, nsPrefix)
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close satisfies storage.Store but requires no action for the in-memory
// store.
func (s *Store) Close() error {
	return nil
}
