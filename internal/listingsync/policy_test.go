package listingsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newPolicyHarness(t *testing.T) (*harness, *PolicyService) {
	t.Helper()
	h := newHarness(t, harnessOptions{})
	svc := NewPolicyService(PolicyOptions{
		Store:         h.store,
		Adapter:       h.mock,
		Detector:      h.detector,
		Snapshots:     h.snapshots,
		Types:         []string{"return"},
		TTL:           time.Hour,
		ImpactEnabled: true,
		Recorder:      h.registry,
		Logger:        quietLogger(),
		Now:           h.clock.Now,
	})
	return h, svc
}

func (h *harness) putListingWithReturnPolicy(id, policyID string) {
	h.t.Helper()
	h.putListing(id, 1999)
	listing, err := h.catalog.FindListing(h.ctx, id)
	if err != nil {
		h.t.Fatalf("find listing: %v", err)
	}
	listing.ReturnPolicyID = policyID
	h.catalog.PutListing(listing)
}

func returnPolicy(days int) []RemotePolicy {
	payload, _ := json.Marshal(map[string]any{"id": "ret-1", "name": "Returns", "days": days})
	return []RemotePolicy{{ExternalID: "ret-1", Name: "Returns", Payload: payload}}
}

func TestPolicyRefreshInsertsAndTriggersImpact(t *testing.T) {
	h, svc := newPolicyHarness(t)
	h.putListingWithReturnPolicy("L1", "ret-1")
	h.publish("L1")
	h.mock.SetPolicies("return", returnPolicy(30))

	report, err := svc.Refresh(h.ctx, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Types["return"].Inserted != 1 || report.Changed != 1 {
		t.Fatalf("expected one inserted policy, got %+v", report)
	}
	if report.Impact == nil || report.Impact.Enqueued != 1 {
		t.Fatalf("expected impact to enqueue L1, got %+v", report.Impact)
	}
	items, _ := h.store.ListQueueItems(h.ctx, QueueFilter{Status: StatusPending})
	if len(items) != 1 || items[0].Reason != ReasonPolicyChange || items[0].Priority != PriorityPolicy {
		t.Fatalf("expected one policy_change item, got %+v", items)
	}
	entry, err := svc.GetPolicy(h.ctx, "return", "ret-1")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if entry.ContentHash == "" || !entry.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected cached policy: %+v", entry)
	}
}

func TestPolicyRefreshUnchangedContentHasNoImpact(t *testing.T) {
	h, svc := newPolicyHarness(t)
	h.putListingWithReturnPolicy("L1", "ret-1")
	h.mock.SetPolicies("return", returnPolicy(30))
	if _, err := svc.Refresh(h.ctx, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.clock.Advance(10 * time.Minute)

	report, err := svc.Refresh(h.ctx, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Types["return"].Unchanged != 1 || report.Changed != 0 || report.Impact != nil {
		t.Fatalf("expected unchanged refresh without impact, got %+v", report)
	}
	entry, _ := svc.GetPolicy(h.ctx, "return", "ret-1")
	if !entry.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("expected expiry extended, got %v", entry.ExpiresAt)
	}
}

func TestPolicyRefreshSkipsFreshCache(t *testing.T) {
	h, svc := newPolicyHarness(t)
	h.mock.SetPolicies("return", returnPolicy(30))
	if _, err := svc.Refresh(h.ctx, false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	report, err := svc.Refresh(h.ctx, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Types["return"].Due {
		t.Fatalf("expected fresh cache not to be due, got %+v", report.Types["return"])
	}

	h.clock.Advance(2 * time.Hour)
	report, err = svc.Refresh(h.ctx, false)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !report.Types["return"].Due || report.Types["return"].Fetched != 1 {
		t.Fatalf("expected expired cache to refetch, got %+v", report.Types["return"])
	}
}

func TestPolicyContentChangeReenqueuesListing(t *testing.T) {
	h, svc := newPolicyHarness(t)
	h.putListingWithReturnPolicy("L1", "ret-1")
	h.mock.SetPolicies("return", returnPolicy(30))
	if _, err := svc.Refresh(h.ctx, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.publish("L1")

	h.mock.SetPolicies("return", returnPolicy(60))
	report, err := svc.Refresh(h.ctx, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Types["return"].Updated != 1 {
		t.Fatalf("expected updated policy, got %+v", report.Types["return"])
	}
	if report.Impact == nil || report.Impact.Enqueued != 1 {
		t.Fatalf("expected L1 re-enqueued, got %+v", report.Impact)
	}
}

func TestPolicyChangeSkipsListingsWithoutThatPolicy(t *testing.T) {
	h, svc := newPolicyHarness(t)
	h.putListingWithReturnPolicy("L1", "ret-1")
	h.putListing("L2", 2999)
	h.mock.SetPolicies("return", returnPolicy(30))
	if _, err := svc.Refresh(h.ctx, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	h.publish("L1")
	h.publish("L2")

	h.mock.SetPolicies("return", returnPolicy(60))
	report, err := svc.Refresh(h.ctx, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if report.Impact == nil || report.Impact.Scanned != 2 || report.Impact.Enqueued != 1 || report.Impact.Skipped != 1 {
		t.Fatalf("expected only L1 re-enqueued, got %+v", report.Impact)
	}
	items, _ := h.store.ListQueueItems(h.ctx, QueueFilter{Status: StatusPending})
	if len(items) != 1 || items[0].ListingID != "L1" {
		t.Fatalf("expected a single pending item for L1, got %+v", items)
	}
}

func TestPolicyWatchRefreshesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	store := NewMemoryStore()
	svc := NewPolicyService(PolicyOptions{
		Store:   store,
		Adapter: NewMockAdapter(MockAdapterOptions{PolicyDir: dir}),
		Types:   []string{"return"},
		Logger:  quietLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx, dir) }()

	path := filepath.Join(dir, "return.json")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := os.WriteFile(path, []byte(`[{"id":"ret-9","name":"Watched"}]`), 0o644); err != nil {
			t.Fatalf("write policy file: %v", err)
		}
		if _, err := store.GetPolicy(context.Background(), "return", "ret-9"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected watcher to load ret-9")
		}
		time.Sleep(2 * watchDebounce)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}

func TestPolicyWatchRequiresDirectory(t *testing.T) {
	svc := NewPolicyService(PolicyOptions{Store: NewMemoryStore(), Adapter: NewMockAdapter(MockAdapterOptions{})})
	if err := svc.Watch(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}
