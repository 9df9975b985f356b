package listingsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/roquehomemaster/listingsync/internal/catalog"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *fakeClock
	store      *MemoryStore
	catalog    *catalog.MemoryReader
	mock       *MockAdapter
	registry   *metrics.Registry
	projector  *Projector
	detector   *Detector
	snapshots  *SnapshotService
	worker     *Worker
	reconciler *Reconciler
}

type harnessOptions struct {
	maxRetries  int
	fetchRemote bool
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    newFakeClock(),
		store:    NewMemoryStore(),
		catalog:  catalog.NewMemoryReader(),
		mock:     NewMockAdapter(MockAdapterOptions{}),
		registry: metrics.NewRegistry(),
	}
	DescribeMetrics(h.registry)
	projector, err := NewProjector(h.catalog, h.store)
	if err != nil {
		t.Fatalf("new projector: %v", err)
	}
	h.projector = projector
	logger := quietLogger()
	h.detector = NewDetector(DetectorOptions{
		Store:     h.store,
		Projector: projector,
		Recorder:  h.registry,
		Logger:    logger,
		Now:       h.clock.Now,
	})
	h.snapshots = NewSnapshotService(SnapshotOptions{
		Store:     h.store,
		Projector: projector,
		Recorder:  h.registry,
		Logger:    logger,
		Now:       h.clock.Now,
	})
	h.worker = NewWorker(WorkerOptions{
		Store:      h.store,
		Projector:  projector,
		Adapter:    h.mock,
		Snapshots:  h.snapshots,
		MaxRetries: opts.maxRetries,
		Recorder:   h.registry,
		Logger:     logger,
		Now:        h.clock.Now,
	})
	h.reconciler = NewReconciler(ReconcileOptions{
		Store:       h.store,
		Projector:   projector,
		Adapter:     h.mock,
		Snapshots:   h.snapshots,
		Enabled:     true,
		FetchRemote: opts.fetchRemote,
		Recorder:    h.registry,
		Logger:      logger,
		Now:         h.clock.Now,
	})
	return h
}

func (h *harness) putListing(id string, priceCents int64) {
	h.t.Helper()
	h.catalog.PutItem(catalog.Item{
		ID:         "item-" + id,
		SKU:        "SKU-" + id,
		Brand:      "Acme",
		Model:      "Model " + id,
		Attributes: map[string]string{"color": "red", "size": "m"},
		ImageURLs:  []string{"https://img.example.com/" + id + ".jpg"},
	})
	h.catalog.PutListing(catalog.Listing{
		ID:            id,
		CatalogItemID: "item-" + id,
		Title:         "Listing " + id,
		Description:   "A fine thing",
		PriceCents:    priceCents,
		Currency:      "usd",
		Quantity:      3,
		Condition:     "used_good",
		Status:        "active",
	})
}

func (h *harness) setPrice(id string, priceCents int64) {
	h.t.Helper()
	listing, err := h.catalog.FindListing(h.ctx, id)
	if err != nil {
		h.t.Fatalf("find listing %s: %v", id, err)
	}
	listing.PriceCents = priceCents
	h.catalog.PutListing(listing)
}

func (h *harness) detect(id string) DetectResult {
	h.t.Helper()
	result, err := h.detector.Detect(h.ctx, id, ReasonChange)
	if err != nil {
		h.t.Fatalf("detect %s: %v", id, err)
	}
	return result
}

func (h *harness) processOnce() ProcessResult {
	h.t.Helper()
	result, err := h.worker.ProcessOnce(h.ctx)
	if err != nil {
		h.t.Fatalf("process once: %v", err)
	}
	return result
}

// publish detects and drains the queue for id.
func (h *harness) publish(id string) {
	h.t.Helper()
	if result := h.detect(id); result.Status != DetectEnqueued {
		h.t.Fatalf("expected %s to be enqueued, got %+v", id, result)
	}
	if result := h.processOnce(); result.Outcome != OutcomePublished {
		h.t.Fatalf("expected %s to publish, got %+v", id, result)
	}
}
