package listingsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

var storeEpoch = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

// exerciseStore runs the behaviors every Store backend must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("listings", func(t *testing.T) {
		if _, err := store.GetListing(ctx, "L1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		for _, id := range []string{"L2", "L1", "L3"} {
			if err := store.SaveListing(ctx, ExternalListing{ListingID: id, State: ListingPending, CreatedAt: storeEpoch, UpdatedAt: storeEpoch}); err != nil {
				t.Fatalf("save %s: %v", id, err)
			}
		}
		published := storeEpoch.Add(time.Minute)
		if err := store.SaveListing(ctx, ExternalListing{
			ListingID:         "L1",
			ExternalID:        "ext-1",
			State:             ListingPublished,
			LastPublishedHash: "h1",
			LastPublishedAt:   &published,
			CreatedAt:         storeEpoch,
			UpdatedAt:         published,
		}); err != nil {
			t.Fatalf("update L1: %v", err)
		}
		got, err := store.GetListing(ctx, "L1")
		if err != nil {
			t.Fatalf("get L1: %v", err)
		}
		if got.ExternalID != "ext-1" || got.LastPublishedAt == nil || !got.LastPublishedAt.Equal(published) {
			t.Fatalf("unexpected listing: %+v", got)
		}
		page, err := store.ListListings(ctx, "L1", 10)
		if err != nil {
			t.Fatalf("list listings: %v", err)
		}
		if len(page) != 2 || page[0].ListingID != "L2" || page[1].ListingID != "L3" {
			t.Fatalf("expected L2, L3 after L1, got %+v", page)
		}
	})

	t.Run("queue", func(t *testing.T) {
		base := QueueItem{ListingID: "Q1", Intent: IntentCreate, PayloadHash: "h1", Status: StatusPending, Priority: PriorityUpdate, NextRunAt: storeEpoch, CreatedAt: storeEpoch, UpdatedAt: storeEpoch}
		first, err := store.CreateQueueItem(ctx, base)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.CreateQueueItem(ctx, base); !errors.Is(err, ErrDuplicatePending) {
			t.Fatalf("expected ErrDuplicatePending, got %v", err)
		}
		urgent := base
		urgent.ListingID = "Q2"
		urgent.Priority = PriorityCreate
		urgent.CreatedAt = storeEpoch.Add(time.Second)
		second, err := store.CreateQueueItem(ctx, urgent)
		if err != nil {
			t.Fatalf("create urgent: %v", err)
		}
		later := base
		later.ListingID = "Q3"
		later.NextRunAt = storeEpoch.Add(time.Hour)
		if _, err := store.CreateQueueItem(ctx, later); err != nil {
			t.Fatalf("create deferred: %v", err)
		}

		claimed, err := store.ClaimNextQueueItem(ctx, storeEpoch.Add(time.Minute))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed.ID != second.ID || claimed.Status != StatusProcessing || claimed.Attempts != 1 || claimed.ClaimedAt == nil {
			t.Fatalf("expected priority item claimed, got %+v", claimed)
		}
		if found, err := store.FindActiveQueueItem(ctx, "Q2", "h1"); err != nil || found.ID != second.ID {
			t.Fatalf("expected processing item to stay active, got %+v %v", found, err)
		}
		claimed.Status = StatusComplete
		if err := store.UpdateQueueItem(ctx, claimed); err != nil {
			t.Fatalf("complete: %v", err)
		}
		next, err := store.ClaimNextQueueItem(ctx, storeEpoch.Add(time.Minute))
		if err != nil || next.ID != first.ID {
			t.Fatalf("expected first item next, got %+v %v", next, err)
		}
		if _, err := store.ClaimNextQueueItem(ctx, storeEpoch.Add(time.Minute)); !errors.Is(err, ErrNoWork) {
			t.Fatalf("expected ErrNoWork while the deferred item is not due, got %v", err)
		}

		next.Status = StatusDead
		if err := store.UpdateQueueItem(ctx, next); err != nil {
			t.Fatalf("dead: %v", err)
		}
		if _, err := store.CreateQueueItem(ctx, base); err != nil {
			t.Fatalf("expected re-enqueue after dead letter, got %v", err)
		}
		next.Status = StatusPending
		if err := store.UpdateQueueItem(ctx, next); !errors.Is(err, ErrDuplicatePending) {
			t.Fatalf("expected reviving a duplicate to fail, got %v", err)
		}

		stats, err := store.QueueStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Counts[StatusPending] != 2 || stats.Counts[StatusDead] != 1 || stats.Counts[StatusComplete] != 1 {
			t.Fatalf("unexpected counts %+v", stats.Counts)
		}
		dead, err := store.ListQueueItems(ctx, QueueFilter{Status: StatusDead})
		if err != nil || len(dead) != 1 {
			t.Fatalf("expected one dead item, got %d %v", len(dead), err)
		}
		if _, err := store.GetQueueItem(ctx, 99999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("stale claims", func(t *testing.T) {
		claimAt := storeEpoch.Add(3 * time.Hour)
		item, err := store.CreateQueueItem(ctx, QueueItem{ListingID: "C1", Intent: IntentUpdate, PayloadHash: "hc", Status: StatusPending, Priority: PriorityCreate - 1, NextRunAt: storeEpoch, CreatedAt: storeEpoch, UpdatedAt: storeEpoch})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		claimed, err := store.ClaimNextQueueItem(ctx, claimAt)
		if err != nil || claimed.ID != item.ID {
			t.Fatalf("expected C1 claimed, got %+v %v", claimed, err)
		}
		expired, err := store.ExpireStaleClaims(ctx, claimAt, claimAt, "stuck")
		if err != nil || len(expired) != 0 {
			t.Fatalf("expected cutoff to be exclusive, got %+v %v", expired, err)
		}
		later := claimAt.Add(time.Minute)
		expired, err = store.ExpireStaleClaims(ctx, later, later, "stuck")
		if err != nil {
			t.Fatalf("expire: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != item.ID || expired[0].Status != StatusError || expired[0].LastError != "stuck" {
			t.Fatalf("expected C1 expired to error, got %+v", expired)
		}
		got, err := store.GetQueueItem(ctx, item.ID)
		if err != nil || got.Status != StatusError || !got.UpdatedAt.Equal(later) {
			t.Fatalf("expected stored error status, got %+v %v", got, err)
		}
		if _, err := store.FindActiveQueueItem(ctx, "C1", "hc"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected expired item to leave the active set, got %v", err)
		}
		if _, err := store.CreateQueueItem(ctx, QueueItem{ListingID: "C1", Intent: IntentUpdate, PayloadHash: "hc", Status: StatusPending, Priority: PriorityUpdate, NextRunAt: later, CreatedAt: later, UpdatedAt: later}); err != nil {
			t.Fatalf("expected re-enqueue after expiry, got %v", err)
		}
	})

	t.Run("logs", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if _, err := store.AppendSyncLog(ctx, SyncLogEntry{ListingID: "G1", QueueItemID: int64(i), Operation: IntentUpdate, Request: json.RawMessage(`{"a":1}`), Result: ResultRetry, CreatedAt: storeEpoch}); err != nil {
				t.Fatalf("append sync log: %v", err)
			}
		}
		logs, err := store.ListSyncLogs(ctx, LogFilter{ListingID: "G1", Limit: 2})
		if err != nil {
			t.Fatalf("list sync logs: %v", err)
		}
		if len(logs) != 2 || logs[0].QueueItemID != 2 {
			t.Fatalf("expected newest two logs, got %+v", logs)
		}
		if _, err := store.AppendTransaction(ctx, Transaction{CorrelationID: "c1", Method: "POST", URL: "http://x", RequestHeaders: map[string]string{"Accept": "application/json"}, ResponseCode: 201, CreatedAt: storeEpoch}); err != nil {
			t.Fatalf("append transaction: %v", err)
		}
		txs, err := store.ListTransactions(ctx, LogFilter{})
		if err != nil || len(txs) != 1 || txs[0].RequestHeaders["Accept"] != "application/json" {
			t.Fatalf("unexpected transactions %+v %v", txs, err)
		}
	})

	t.Run("failed events", func(t *testing.T) {
		event, err := store.CreateFailedEvent(ctx, FailedEvent{ListingID: "F1", QueueItemID: 7, Intent: IntentCreate, PayloadHash: "h", LastError: "boom", Attempts: 2, CreatedAt: storeEpoch})
		if err != nil {
			t.Fatalf("create failed event: %v", err)
		}
		if err := store.MarkFailedEventReplayed(ctx, event.ID, 42, storeEpoch.Add(time.Hour)); err != nil {
			t.Fatalf("mark replayed: %v", err)
		}
		got, err := store.GetFailedEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("get failed event: %v", err)
		}
		if got.ReplayedAt == nil || got.ReplayItemID != 42 {
			t.Fatalf("expected replay recorded, got %+v", got)
		}
	})

	t.Run("snapshots and drift", func(t *testing.T) {
		first, err := store.CreateSnapshot(ctx, Snapshot{ListingID: "S1", Hash: "h1", Projection: json.RawMessage(`{"a":1}`), Source: SourceManual, CreatedAt: storeEpoch})
		if err != nil {
			t.Fatalf("create snapshot: %v", err)
		}
		if _, err := store.CreateSnapshot(ctx, Snapshot{ListingID: "S1", Hash: "h1", Projection: json.RawMessage(`{"a":1}`), Source: SourceManual, DedupOf: first.ID, CreatedAt: storeEpoch}); err != nil {
			t.Fatalf("create dedup snapshot: %v", err)
		}
		latest, err := store.LatestSnapshot(ctx, "S1")
		if err != nil || latest.DedupOf != first.ID {
			t.Fatalf("expected latest to dedup to %d, got %+v %v", first.ID, latest, err)
		}

		old := storeEpoch.Add(-48 * time.Hour)
		for _, e := range []DriftEvent{
			{ListingID: "S1", Classification: DriftInternalOnly, LocalHash: "a", CreatedAt: old},
			{ListingID: "S1", Classification: DriftExternalOnly, LocalHash: "b", Details: json.RawMessage(`{"local":{}}`), DetailsTruncated: true, CreatedAt: storeEpoch},
		} {
			if _, err := store.CreateDriftEvent(ctx, e); err != nil {
				t.Fatalf("create drift: %v", err)
			}
		}
		summary, err := store.DriftSummary(ctx, storeEpoch.Add(-time.Hour))
		if err != nil || summary[DriftExternalOnly] != 1 || summary[DriftInternalOnly] != 0 {
			t.Fatalf("unexpected drift summary %+v %v", summary, err)
		}
		filtered, err := store.ListDriftEvents(ctx, DriftFilter{Classification: DriftExternalOnly})
		if err != nil || len(filtered) != 1 || !filtered[0].DetailsTruncated {
			t.Fatalf("unexpected filtered drift %+v %v", filtered, err)
		}
		deleted, err := store.DeleteDriftEventsBefore(ctx, storeEpoch.Add(-time.Hour))
		if err != nil || deleted != 1 {
			t.Fatalf("expected one expired drift event deleted, got %d %v", deleted, err)
		}
	})

	t.Run("policies", func(t *testing.T) {
		entry := PolicyEntry{PolicyType: "return", ExternalID: "r1", Payload: json.RawMessage(`{"id":"r1"}`), ContentHash: "c1", FetchedAt: storeEpoch, ExpiresAt: storeEpoch.Add(time.Hour)}
		if err := store.UpsertPolicy(ctx, entry); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		entry.ContentHash = "c2"
		if err := store.UpsertPolicy(ctx, entry); err != nil {
			t.Fatalf("upsert again: %v", err)
		}
		got, err := store.GetPolicy(ctx, "return", "r1")
		if err != nil || got.ContentHash != "c2" {
			t.Fatalf("expected upserted content hash, got %+v %v", got, err)
		}
		if err := store.UpsertPolicy(ctx, PolicyEntry{PolicyType: "payment", ExternalID: "p1", Payload: json.RawMessage(`{}`), ExpiresAt: storeEpoch}); err != nil {
			t.Fatalf("upsert payment: %v", err)
		}
		all, err := store.ListPolicies(ctx, "")
		if err != nil || len(all) != 2 {
			t.Fatalf("expected 2 policies, got %d %v", len(all), err)
		}
		deleted, err := store.DeleteExpiredPolicies(ctx, storeEpoch.Add(time.Minute))
		if err != nil || deleted != 1 {
			t.Fatalf("expected one expired policy deleted, got %d %v", deleted, err)
		}
	})

	t.Run("staged payloads", func(t *testing.T) {
		staged, err := store.CreateStagedPayload(ctx, StagedPayload{Source: "ebay", ExternalID: "e1", Payload: json.RawMessage(`{"id":"e1"}`), CreatedAt: storeEpoch})
		if err != nil {
			t.Fatalf("create staged: %v", err)
		}
		if staged.Status != StagedPending {
			t.Fatalf("expected default staged status, got %s", staged.Status)
		}
		mapped := storeEpoch.Add(time.Minute)
		staged.Status = StagedMapped
		staged.Result = json.RawMessage(`{"ok":true}`)
		staged.MappedAt = &mapped
		if err := store.UpdateStagedPayload(ctx, staged); err != nil {
			t.Fatalf("update staged: %v", err)
		}
		rows, err := store.ListStagedPayloads(ctx, StagedMapped, 10)
		if err != nil || len(rows) != 1 || rows[0].MappedAt == nil {
			t.Fatalf("expected one mapped row, got %+v %v", rows, err)
		}
	})

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestJSONFileStoreContractAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sync.json")
	store, err := NewJSONFileStore(path)
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	exerciseStore(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewJSONFileStore(path)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	listing, err := reopened.GetListing(context.Background(), "L1")
	if err != nil || listing.ExternalID != "ext-1" {
		t.Fatalf("expected persisted listing, got %+v %v", listing, err)
	}
	item, err := reopened.CreateQueueItem(context.Background(), QueueItem{ListingID: "new", PayloadHash: "x", NextRunAt: storeEpoch, CreatedAt: storeEpoch})
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if item.ID <= 1 {
		t.Fatalf("expected id sequence to survive reload, got %d", item.ID)
	}
}

func TestSQLiteStoreContract(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestBuildStoreFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{"", "*listingsync.MemoryStore"},
		{"memory://", "*listingsync.MemoryStore"},
		{"file://" + filepath.Join(dir, "a.json"), "*listingsync.MemoryStore"},
		{filepath.Join(dir, "b.json"), "*listingsync.MemoryStore"},
		{"sqlite://" + filepath.Join(dir, "c.db"), "*listingsync.SQLStore"},
		{"postgres://user:pw@localhost:5432/db?table_prefix=ls_", "*listingsync.SQLStore"},
	}
	for _, tc := range cases {
		store, err := BuildStoreFromDSN(tc.dsn)
		if err != nil {
			t.Fatalf("BuildStoreFromDSN(%q): %v", tc.dsn, err)
		}
		if got := typeName(store); got != tc.want {
			t.Fatalf("BuildStoreFromDSN(%q): expected %s, got %s", tc.dsn, tc.want, got)
		}
	}
	if _, err := BuildStoreFromDSN("mysql://localhost/db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildStoreFromDSN("ftp://nope"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisterStoreFactoryOverridesScheme(t *testing.T) {
	custom := NewMemoryStore()
	RegisterStoreFactory("unittest", func(string) (Store, error) { return custom, nil })
	store, err := BuildStoreFromDSN("unittest://anything")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if store != Store(custom) {
		t.Fatalf("expected registered factory to be used")
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
