package cleanup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pkt.systems/txns/internal/atr"
	"pkt.systems/txns/internal/clientrecord"
)

func TestRunOnceResolvesLostAttempts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Insert(ctx, appCol, "d1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	att := f.newAttempt("a1", time.Second)
	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	f.clk.Advance(5 * time.Second)

	var mu sync.Mutex
	var events []Event
	sink := NewSink(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, nil, 16)
	defer sink.Close()
	set := NewSet()
	set.Add(metaCol)
	cleaner := NewCleaner(Config{
		ClientUUID:   "client-1",
		Interval:     time.Minute,
		ClientExpiry: 4 * time.Minute,
		Deps:         f.deps,
		Records:      clientrecord.NewStore(f.store, f.clk, metaCol),
		Set:          set,
		Detector:     f.det,
		Sink:         sink,
		Clock:        f.clk,
	})

	if err := cleaner.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	doc, err := f.store.Get(ctx, appCol, "d1")
	if err != nil {
		t.Fatalf("get d1: %v", err)
	}
	if string(doc.Content) != `{"v":1}` || doc.Staged() {
		t.Fatalf("expected rolled back document, got %s staged=%v", doc.Content, doc.Staged())
	}

	info := cleaner.PartitionInfo()
	if info == nil || info.NumActiveClients != 1 || info.IndexOfThisClient != 0 {
		t.Fatalf("unexpected partition info: %+v", info)
	}

	sink.Close()
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Outcome != OutcomeApplied || !events[0].Success {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestRunOnceHonorsSuppressionOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Insert(ctx, appCol, "d1", json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	att := f.newAttempt("a1", time.Second)
	if err := att.Replace(ctx, appCol, "d1", json.RawMessage(`{"v":2}`)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	f.clk.Advance(5 * time.Second)

	records := clientrecord.NewStore(f.store, f.clk, metaCol)
	if err := records.SetOverride(ctx, clientrecord.Override{
		Enabled:       true,
		Active:        true,
		ExpiresUnixMs: f.clk.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatalf("set override: %v", err)
	}

	set := NewSet()
	set.Add(metaCol)
	cleaner := NewCleaner(Config{
		ClientUUID: "client-1",
		Deps:       f.deps,
		Records:    records,
		Set:        set,
		Detector:   f.det,
		Sink:       NewSink(nil, nil, 4),
		Clock:      f.clk,
	})
	if err := cleaner.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	// The lost attempt must be untouched while the override suppresses
	// cleanup.
	doc, err := f.store.Get(ctx, appCol, "d1")
	if err != nil {
		t.Fatalf("get d1: %v", err)
	}
	if !doc.StagedBy("a1") {
		t.Fatal("suppressed cleaner must not resolve attempts")
	}
}

func TestRunOnceScansOnlyOwnedPartition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Seed entries across several ATR documents.
	for i, atrID := range []string{atr.DocPrefix + "0", atr.DocPrefix + "1", atr.DocPrefix + "2", atr.DocPrefix + "3"} {
		entry := &atr.Entry{
			AttemptID:      "a" + string(rune('0'+i)),
			State:          atr.StatePending,
			StartUnixMs:    f.clk.Now().UnixMilli(),
			ExpiresAfterMs: int64(time.Second / time.Millisecond),
		}
		if err := f.deps.ATRs.CreateEntry(ctx, metaCol, atrID, entry); err != nil {
			t.Fatalf("seed entry %s: %v", atrID, err)
		}
	}
	f.clk.Advance(5 * time.Second)

	records := clientrecord.NewStore(f.store, f.clk, metaCol)
	// A second live client halves the keyspace.
	if _, err := records.Process(ctx, "client-2", 4*time.Minute); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	set := NewSet()
	set.Add(metaCol)
	cleaner := NewCleaner(Config{
		ClientUUID: "client-1",
		Deps:       f.deps,
		Records:    records,
		Set:        set,
		Detector:   f.det,
		Sink:       NewSink(nil, nil, 16),
		Clock:      f.clk,
	})
	if err := cleaner.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	info := cleaner.PartitionInfo()
	if info.NumActiveClients != 2 {
		t.Fatalf("expected 2 active clients, got %d", info.NumActiveClients)
	}

	// Entries in ATRs owned by the peer stay pending; owned ones resolved.
	resolved, pending := 0, 0
	for _, atrID := range []string{atr.DocPrefix + "0", atr.DocPrefix + "1", atr.DocPrefix + "2", atr.DocPrefix + "3"} {
		entries, err := f.deps.ATRs.ListEntries(ctx, metaCol, atrID)
		if err != nil {
			t.Fatalf("list %s: %v", atrID, err)
		}
		for _, entry := range entries {
			if entry.State == atr.StatePending {
				pending++
				if info.PartitionOwner(atrID) {
					t.Fatalf("owned entry left pending in %s", atrID)
				}
			} else {
				resolved++
				if !info.PartitionOwner(atrID) {
					t.Fatalf("peer-owned entry resolved in %s", atrID)
				}
			}
		}
	}
	if resolved+pending != 4 {
		t.Fatalf("expected 4 entries total, got resolved=%d pending=%d", resolved, pending)
	}
}

func TestRunOnceSkipsMalformedATR(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Insert(ctx, metaCol, atr.DocPrefix+"junk", json.RawMessage(`"not a record"`)); err != nil {
		t.Fatalf("seed junk: %v", err)
	}
	entry := &atr.Entry{
		AttemptID:      "a1",
		State:          atr.StatePending,
		StartUnixMs:    f.clk.Now().UnixMilli(),
		ExpiresAfterMs: int64(time.Second / time.Millisecond),
	}
	if err := f.deps.ATRs.CreateEntry(ctx, metaCol, atr.DocPrefix+"7", entry); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	f.clk.Advance(5 * time.Second)

	set := NewSet()
	set.Add(metaCol)
	cleaner := NewCleaner(Config{
		ClientUUID: "client-1",
		Deps:       f.deps,
		Records:    clientrecord.NewStore(f.store, f.clk, metaCol),
		Set:        set,
		Detector:   f.det,
		Sink:       NewSink(nil, nil, 16),
		Clock:      f.clk,
	})
	if err := cleaner.RunOnce(ctx); err != nil {
		t.Fatalf("run once must survive malformed records: %v", err)
	}
	got, _, err := f.deps.ATRs.FindEntry(ctx, metaCol, atr.DocPrefix+"7", "a1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.State != atr.StateRolledBack {
		t.Fatalf("healthy entry must still be resolved, got %s", got.State)
	}
}
