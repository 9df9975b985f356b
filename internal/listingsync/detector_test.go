package listingsync

import (
	"context"
	"errors"
	"testing"
)

func TestDetectEnqueuesCreateForNewListing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)

	result := h.detect("L1")
	if result.Status != DetectEnqueued {
		t.Fatalf("expected enqueued, got %+v", result)
	}
	if result.Intent != IntentCreate {
		t.Fatalf("expected create intent, got %s", result.Intent)
	}
	item, err := h.store.GetQueueItem(h.ctx, result.QueueItemID)
	if err != nil {
		t.Fatalf("get queue item: %v", err)
	}
	if item.Priority != PriorityCreate || item.Status != StatusPending {
		t.Fatalf("expected pending create-priority item, got %+v", item)
	}
	listing, err := h.store.GetListing(h.ctx, "L1")
	if err != nil {
		t.Fatalf("get external listing: %v", err)
	}
	if listing.State != ListingPending {
		t.Fatalf("expected pending external listing, got %s", listing.State)
	}
}

func TestDetectTwiceReportsDuplicatePending(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)

	first := h.detect("L1")
	second := h.detect("L1")
	if first.Status != DetectEnqueued {
		t.Fatalf("expected first detect to enqueue, got %+v", first)
	}
	if second.Status != DetectSkipped || second.Reason != SkipDuplicatePending {
		t.Fatalf("expected duplicate_pending skip, got %+v", second)
	}
	items, err := h.store.ListQueueItems(h.ctx, QueueFilter{ListingID: "L1"})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected exactly one queue item, got %d", len(items))
	}
}

func TestDetectAfterPublishReportsHashUnchanged(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	h.publish("L1")

	result := h.detect("L1")
	if result.Status != DetectSkipped || result.Reason != SkipHashUnchanged {
		t.Fatalf("expected hash_unchanged skip, got %+v", result)
	}
}

func TestDetectAfterPriceChangeEnqueuesUpdate(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	h.publish("L1")
	h.setPrice("L1", 2999)

	result := h.detect("L1")
	if result.Status != DetectEnqueued || result.Intent != IntentUpdate {
		t.Fatalf("expected update enqueued, got %+v", result)
	}
}

func TestDetectFeatureDisabled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.putListing("L1", 1999)
	detector := NewDetector(DetectorOptions{
		Store:     h.store,
		Projector: h.projector,
		Enabled:   func() bool { return false },
		Logger:    quietLogger(),
	})
	result, err := detector.Detect(context.Background(), "L1", ReasonChange)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if result.Status != DetectSkipped || result.Reason != SkipFeatureDisabled {
		t.Fatalf("expected feature_flag_disabled skip, got %+v", result)
	}
	stats, _ := h.store.QueueStats(h.ctx)
	if stats.Backlog() != 0 {
		t.Fatalf("expected empty queue, got %+v", stats.Counts)
	}
}

func TestDetectMissingListing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	_, err := h.detector.Detect(h.ctx, "nope", ReasonChange)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.detector.Detect(h.ctx, "  ", ReasonChange); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
}

func TestDetectPriorities(t *testing.T) {
	cases := []struct {
		intent Intent
		reason string
		want   int
	}{
		{IntentCreate, ReasonChange, PriorityCreate},
		{IntentUpdate, ReasonChange, PriorityUpdate},
		{IntentUpdate, ReasonReconciliation, PriorityReconciliation},
		{IntentCreate, ReasonPolicyChange, PriorityPolicy},
	}
	for _, tc := range cases {
		if got := priorityFor(tc.intent, tc.reason); got != tc.want {
			t.Fatalf("priorityFor(%s, %s): expected %d, got %d", tc.intent, tc.reason, tc.want, got)
		}
	}
}
