package listingsync

import (
	"testing"
	"time"
)

func TestSnapshotDedupChainPointsAtFirstRow(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)

	var ids []int64
	for i := 0; i < 3; i++ {
		snap, err := h.snapshots.Snapshot(h.ctx, "L1", SourceManual)
		if err != nil {
			t.Fatalf("snapshot %d: %v", i, err)
		}
		ids = append(ids, snap.ID)
		h.clock.Advance(time.Minute)
	}

	rows, err := h.store.ListSnapshots(h.ctx, LogFilter{ListingID: "L1"})
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(rows))
	}
	byID := map[int64]Snapshot{}
	for _, row := range rows {
		byID[row.ID] = row
	}
	if byID[ids[0]].DedupOf != 0 {
		t.Fatalf("expected first row to be original, got dedup_of %d", byID[ids[0]].DedupOf)
	}
	for _, id := range ids[1:] {
		if byID[id].DedupOf != ids[0] {
			t.Fatalf("expected row %d to dedup to %d, got %d", id, ids[0], byID[id].DedupOf)
		}
		if len(byID[id].Diff) != 0 {
			t.Fatalf("expected no diff on duplicate row %d", id)
		}
	}
}

func TestSnapshotChangeRecordsDiff(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	if _, err := h.snapshots.Snapshot(h.ctx, "L1", SourceManual); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	h.setPrice("L1", 2999)
	snap, err := h.snapshots.Snapshot(h.ctx, "L1", SourceManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.DedupOf != 0 {
		t.Fatalf("expected a fresh row, got dedup_of %d", snap.DedupOf)
	}
	paths := snap.Diff.Paths()
	if len(paths) != 1 || paths[0] != "price.amount_minor" {
		t.Fatalf("expected only price.amount_minor to change, got %v", paths)
	}
}

func TestSnapshotDiffBetweenRows(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	first, err := h.snapshots.Snapshot(h.ctx, "L1", SourceManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	listing, _ := h.catalog.FindListing(h.ctx, "L1")
	listing.Title = "Renamed"
	listing.Quantity = 0
	h.catalog.PutListing(listing)
	second, err := h.snapshots.Snapshot(h.ctx, "L1", SourceManual)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	changes, err := h.snapshots.Diff(h.ctx, first.ID, second.ID)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %+v", changes)
	}
}
