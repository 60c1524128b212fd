// Package clientrecord maintains the shared membership document cleanup
// clients coordinate through. Each live client heartbeats its entry; expired
// entries are pruned by whichever client next processes the record. The
// sorted active-UUID list yields a deterministic partition index per client,
// so the ATR keyspace is covered without any leader or external coordinator.
package clientrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	farm "github.com/dgryski/go-farm"

	"pkt.systems/txns/internal/clock"
	"pkt.systems/txns/internal/storage"
)

// DocID is the id of the shared client record document.
const DocID = "_txn:client-record"

const defaultCASRetries = 16

// ErrNotParticipating indicates this client's UUID is missing from the
// record after processing, which should not happen and marks corruption.
var ErrNotParticipating = errors.New("clientrecord: client not present after process")

type clientEntry struct {
	HeartbeatUnixMs int64 `json:"hb_ms"`
	ExpiresAfterMs  int64 `json:"exp_ms"`
}

func (c *clientEntry) expired(now time.Time) bool {
	if c == nil {
		return true
	}
	deadline := time.UnixMilli(c.HeartbeatUnixMs + c.ExpiresAfterMs)
	return !now.Before(deadline)
}

// Override suspends or forces background cleanup out-of-band. A stale
// override cannot persist: it is honoured only until ExpiresUnixMs.
type Override struct {
	Enabled       bool  `json:"enabled,omitempty"`
	Active        bool  `json:"active,omitempty"`
	ExpiresUnixMs int64 `json:"expires_ms,omitempty"`
}

type document struct {
	Clients  map[string]*clientEntry `json:"clients"`
	Override Override                `json:"override,omitempty"`
}

// ClientInfo is the outcome of one Process call: the membership view this
// client partitions cleanup work from until the next heartbeat.
type ClientInfo struct {
	ClientUUID         string
	NumActiveClients   int
	IndexOfThisClient  int
	NumExistingClients int
	NumExpiredClients  int
	ExpiredClientIDs   []string
	OverrideEnabled    bool
	OverrideActive     bool
	OverrideExpires    time.Time
	CASNow             time.Time
}

// PartitionOwner reports whether the ATR identified by atrID falls in this
// client's partition under the membership view.
func (c *ClientInfo) PartitionOwner(atrID string) bool {
	if c == nil || c.NumActiveClients <= 0 {
		return false
	}
	return int(farm.Fingerprint64([]byte(atrID))%uint64(c.NumActiveClients)) == c.IndexOfThisClient
}

// CleanupSuppressed reports whether an unexpired override currently disables
// background cleanup for every client.
func (c *ClientInfo) CleanupSuppressed(now time.Time) bool {
	if c == nil || !c.OverrideEnabled || !c.OverrideActive {
		return false
	}
	return c.OverrideExpires.After(now)
}

// Store processes the client record document for one client process.
type Store struct {
	store      storage.Store
	clock      clock.Clock
	collection storage.Collection
	casRetries int
}

// NewStore constructs a client record store bound to the metadata collection.
func NewStore(st storage.Store, clk clock.Clock, col storage.Collection) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		store:      st,
		clock:      clk,
		collection: col,
		casRetries: defaultCASRetries,
	}
}

func (s *Store) load(ctx context.Context) (*document, uint64, error) {
	raw, err := s.store.Get(ctx, s.collection, DocID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &document{Clients: map[string]*clientEntry{}}, 0, nil
		}
		return nil, 0, err
	}
	var doc document
	if err := json.Unmarshal(raw.Content, &doc); err != nil {
		return nil, 0, fmt.Errorf("clientrecord: malformed document: %w", err)
	}
	if doc.Clients == nil {
		doc.Clients = map[string]*clientEntry{}
	}
	return &doc, raw.CAS, nil
}

func (s *Store) save(ctx context.Context, doc *document, cas uint64) error {
	content, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("clientrecord: encode document: %w", err)
	}
	if cas == 0 {
		_, err = s.store.Insert(ctx, s.collection, DocID, content)
	} else {
		_, err = s.store.Replace(ctx, s.collection, DocID, content, cas)
	}
	return err
}

func (s *Store) mutate(ctx context.Context, fn func(doc *document, now time.Time) error) (time.Time, error) {
	var lastErr error
	for i := 0; i < s.casRetries; i++ {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		doc, cas, err := s.load(ctx)
		if err != nil {
			return time.Time{}, err
		}
		now := s.clock.Now()
		if err := fn(doc, now); err != nil {
			return time.Time{}, err
		}
		err = s.save(ctx, doc, cas)
		if err == nil {
			return now, nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return time.Time{}, err
		}
		lastErr = err
		s.clock.Sleep(time.Duration(i+1) * time.Millisecond)
	}
	return time.Time{}, fmt.Errorf("clientrecord: cas retries exhausted: %w", lastErr)
}

// Process heartbeats the client and recomputes the membership view: expired
// entries are pruned, this client's entry is upserted, and the partition
// index is derived from the sorted active-UUID list. Read-modify-write with
// CAS retry; concurrent clients serialize through the document's CAS.
func (s *Store) Process(ctx context.Context, clientUUID string, expiresAfter time.Duration) (*ClientInfo, error) {
	info := &ClientInfo{ClientUUID: clientUUID}
	casNow, err := s.mutate(ctx, func(doc *document, now time.Time) error {
		info.NumExistingClients = len(doc.Clients)
		info.ExpiredClientIDs = info.ExpiredClientIDs[:0]
		for uuid, entry := range doc.Clients {
			if uuid == clientUUID {
				continue
			}
			if entry.expired(now) {
				info.ExpiredClientIDs = append(info.ExpiredClientIDs, uuid)
				delete(doc.Clients, uuid)
			}
		}
		doc.Clients[clientUUID] = &clientEntry{
			HeartbeatUnixMs: now.UnixMilli(),
			ExpiresAfterMs:  expiresAfter.Milliseconds(),
		}

		active := make([]string, 0, len(doc.Clients))
		for uuid := range doc.Clients {
			active = append(active, uuid)
		}
		sort.Strings(active)
		info.NumActiveClients = len(active)
		info.NumExpiredClients = len(info.ExpiredClientIDs)
		info.IndexOfThisClient = sort.SearchStrings(active, clientUUID)
		if info.IndexOfThisClient >= len(active) || active[info.IndexOfThisClient] != clientUUID {
			return ErrNotParticipating
		}
		if doc.Override.Enabled && doc.Override.ExpiresUnixMs > 0 && doc.Override.ExpiresUnixMs <= now.UnixMilli() {
			doc.Override = Override{}
		}
		info.OverrideEnabled = doc.Override.Enabled
		info.OverrideActive = doc.Override.Active
		if doc.Override.ExpiresUnixMs > 0 {
			info.OverrideExpires = time.UnixMilli(doc.Override.ExpiresUnixMs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(info.ExpiredClientIDs)
	info.CASNow = casNow
	return info, nil
}

// Remove deletes this client's entry; other clients rebalance on their next
// Process call. Called on graceful shutdown.
func (s *Store) Remove(ctx context.Context, clientUUID string) error {
	_, err := s.mutate(ctx, func(doc *document, _ time.Time) error {
		delete(doc.Clients, clientUUID)
		return nil
	})
	return err
}

// SetOverride installs or clears the cleanup override. expires bounds how
// long the override is honoured.
func (s *Store) SetOverride(ctx context.Context, override Override) error {
	_, err := s.mutate(ctx, func(doc *document, _ time.Time) error {
		doc.Override = override
		return nil
	})
	return err
}
