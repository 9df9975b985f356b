package listingsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestClassifyDriftTruthTable(t *testing.T) {
	cases := []struct {
		local, remote, snapshot string
		want                    DriftClass
	}{
		{"b", "c", "a", DriftBothChanged},
		{"b", "b", "a", DriftBothChanged},
		{"b", "a", "a", DriftInternalOnly},
		{"a", "b", "a", DriftExternalOnly},
		{"a", "a", "a", DriftSnapshotStale},
	}
	for _, tc := range cases {
		if got := ClassifyDrift(tc.local, tc.remote, tc.snapshot); got != tc.want {
			t.Fatalf("ClassifyDrift(%s, %s, %s): expected %s, got %s", tc.local, tc.remote, tc.snapshot, tc.want, got)
		}
	}
}

func TestReconcileEnqueuesOnlyChangedListing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	h.putListing("L2", 4999)
	h.publish("L1")
	h.publish("L2")
	h.setPrice("L1", 2999)

	report, err := h.reconciler.Run(h.ctx, ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Scanned != 2 {
		t.Fatalf("expected 2 scanned, got %d", report.Scanned)
	}
	if report.Enqueued != 1 || report.Drifted != 1 || report.Unchanged != 1 {
		t.Fatalf("expected one drifted listing enqueued, got %+v", report)
	}
	if report.ByClass[DriftInternalOnly] != 1 {
		t.Fatalf("expected internal_only drift, got %+v", report.ByClass)
	}
	items, _ := h.store.ListQueueItems(h.ctx, QueueFilter{Status: StatusPending})
	if len(items) != 1 || items[0].ListingID != "L1" || items[0].Priority != PriorityReconciliation {
		t.Fatalf("expected one reconciliation item for L1, got %+v", items)
	}
	events, _ := h.store.ListDriftEvents(h.ctx, DriftFilter{})
	if len(events) != 1 || events[0].QueueItemID != items[0].ID {
		t.Fatalf("expected drift event linked to queue item, got %+v", events)
	}

	// A second run sees the pending item and does not enqueue again.
	again, err := h.reconciler.Run(h.ctx, ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if again.Enqueued != 0 || again.Pending != 1 {
		t.Fatalf("expected pending listing to be left alone, got %+v", again)
	}
}

func TestReconcileDetectsExternalEdit(t *testing.T) {
	h := newHarness(t, harnessOptions{fetchRemote: true})
	h.putListing("L1", 1999)
	h.publish("L1")
	listing, _ := h.store.GetListing(h.ctx, "L1")
	h.mock.SetRemote(listing.ExternalID, json.RawMessage(`{"title":"edited on marketplace"}`))

	report, err := h.reconciler.Run(h.ctx, ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.ByClass[DriftExternalOnly] != 1 || report.Enqueued != 1 {
		t.Fatalf("expected one external_only drift enqueued, got %+v", report)
	}

	// The corrective item republishes local content.
	calls := h.mock.PublishCalls()
	h.clock.Advance(time.Second)
	if result := h.processOnce(); result.Outcome != OutcomePublished {
		t.Fatalf("expected corrective publish, got %+v", result)
	}
	if h.mock.PublishCalls() != calls+1 {
		t.Fatalf("expected one more adapter call")
	}
}

func TestReconcileRemoteFetchFailureFallsBackToInternal(t *testing.T) {
	h := newHarness(t, harnessOptions{fetchRemote: true})
	h.putListing("L1", 1999)
	h.publish("L1")
	listing, _ := h.store.GetListing(h.ctx, "L1")
	listing.ExternalID = "mock-missing"
	if err := h.store.SaveListing(h.ctx, listing); err != nil {
		t.Fatalf("save listing: %v", err)
	}
	h.setPrice("L1", 2999)

	if _, err := h.reconciler.Run(h.ctx, ReconcileRequest{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events, _ := h.store.ListDriftEvents(h.ctx, DriftFilter{ListingID: "L1"})
	if len(events) != 1 {
		t.Fatalf("expected one drift event, got %d", len(events))
	}
	if events[0].Classification != DriftInternalOnly || events[0].RemoteError == "" || events[0].RemoteHash != "" {
		t.Fatalf("expected internal_only with remote error, got %+v", events[0])
	}
}

type depletedProbe struct{}

func (depletedProbe) NearDepletion() bool { return true }

func TestReconcileSkipsNearDepletionUnlessBypassed(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	h.publish("L1")
	h.setPrice("L1", 2999)
	reconciler := NewReconciler(ReconcileOptions{
		Store:     h.store,
		Projector: h.projector,
		Limiter:   depletedProbe{},
		Enabled:   true,
		Logger:    quietLogger(),
		Now:       h.clock.Now,
	})

	report, err := reconciler.Run(h.ctx, ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Skipped != "rate_limit_near_depletion" || report.Scanned != 0 {
		t.Fatalf("expected skip near depletion, got %+v", report)
	}
	report, err = reconciler.Run(h.ctx, ReconcileRequest{Bypass: true})
	if err != nil {
		t.Fatalf("reconcile bypass: %v", err)
	}
	if report.Enqueued != 1 {
		t.Fatalf("expected bypass run to enqueue, got %+v", report)
	}
}

func TestReconcileDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	reconciler := NewReconciler(ReconcileOptions{Store: h.store, Projector: h.projector, Logger: quietLogger()})
	report, err := reconciler.Run(h.ctx, ReconcileRequest{})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Skipped != "disabled" {
		t.Fatalf("expected disabled skip, got %+v", report)
	}
}

func TestReconcileRetentionDeletesOldDrift(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	old := h.clock.Now().Add(-40 * 24 * time.Hour)
	if _, err := h.store.CreateDriftEvent(h.ctx, DriftEvent{ListingID: "L1", Classification: DriftInternalOnly, CreatedAt: old}); err != nil {
		t.Fatalf("create drift: %v", err)
	}
	if _, err := h.store.CreateDriftEvent(h.ctx, DriftEvent{ListingID: "L1", Classification: DriftInternalOnly, CreatedAt: h.clock.Now()}); err != nil {
		t.Fatalf("create drift: %v", err)
	}
	deleted, err := h.reconciler.RunRetention(h.ctx)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
}
