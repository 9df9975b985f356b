package listingsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roquehomemaster/listingsync/internal/canonical"
	"github.com/roquehomemaster/listingsync/internal/diff"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

// DepletionProbe reports whether the remote quota is nearly spent.
type DepletionProbe interface {
	NearDepletion() bool
}

type ReconcileOptions struct {
	Store     Store
	Projector *Projector
	Adapter   Adapter
	Snapshots *SnapshotService
	Limiter   DepletionProbe

	Enabled         bool
	BatchSize       int
	MaxBatches      int
	FetchRemote     bool
	SnapshotOnDrift bool
	MaxDetailBytes  int
	Retention       time.Duration

	Recorder metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

type Reconciler struct {
	store     Store
	projector *Projector
	adapter   Adapter
	snapshots *SnapshotService
	limiter   DepletionProbe

	enabled         bool
	batchSize       int
	maxBatches      int
	fetchRemote     bool
	snapshotOnDrift bool
	maxDetailBytes  int
	retention       time.Duration

	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

type ReconcileRequest struct {
	// Bypass runs even when disabled or when the quota is nearly spent.
	Bypass bool `json:"bypass"`
}

type ReconcileReport struct {
	Skipped    string             `json:"skipped,omitempty"`
	Batches    int                `json:"batches"`
	Scanned    int                `json:"scanned"`
	Unchanged  int                `json:"unchanged"`
	Pending    int                `json:"pending"`
	Drifted    int                `json:"drifted"`
	Enqueued   int                `json:"enqueued"`
	Errors     int                `json:"errors"`
	ByClass    map[DriftClass]int `json:"byClass"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

func NewReconciler(opts ReconcileOptions) *Reconciler {
	r := &Reconciler{
		store:           opts.Store,
		projector:       opts.Projector,
		adapter:         opts.Adapter,
		snapshots:       opts.Snapshots,
		limiter:         opts.Limiter,
		enabled:         opts.Enabled,
		batchSize:       opts.BatchSize,
		maxBatches:      opts.MaxBatches,
		fetchRemote:     opts.FetchRemote,
		snapshotOnDrift: opts.SnapshotOnDrift,
		maxDetailBytes:  opts.MaxDetailBytes,
		retention:       opts.Retention,
		recorder:        opts.Recorder,
		logger:          opts.Logger,
		now:             opts.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = 100
	}
	if r.maxBatches <= 0 {
		r.maxBatches = 50
	}
	if r.maxDetailBytes <= 0 {
		r.maxDetailBytes = 8 << 10
	}
	if r.retention <= 0 {
		r.retention = 30 * 24 * time.Hour
	}
	if r.recorder == nil {
		r.recorder = metrics.Nop{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// ClassifyDrift compares the local and remote hashes against the last
// snapshot hash.
func ClassifyDrift(localHash, remoteHash, snapshotHash string) DriftClass {
	localChanged := localHash != snapshotHash
	remoteChanged := remoteHash != snapshotHash
	switch {
	case localChanged && remoteChanged:
		return DriftBothChanged
	case localChanged:
		return DriftInternalOnly
	case remoteChanged:
		return DriftExternalOnly
	default:
		return DriftSnapshotStale
	}
}

// Run scans tracked listings in batches, records drift and enqueues one
// corrective item per drifted listing.
func (r *Reconciler) Run(ctx context.Context, req ReconcileRequest) (ReconcileReport, error) {
	report := ReconcileReport{ByClass: map[DriftClass]int{}, StartedAt: r.now().UTC()}
	switch {
	case !r.enabled && !req.Bypass:
		report.Skipped = "disabled"
	case r.limiter != nil && r.limiter.NearDepletion() && !req.Bypass:
		report.Skipped = "rate_limit_near_depletion"
	}
	if report.Skipped != "" {
		report.FinishedAt = r.now().UTC()
		r.recorder.Add(MetricReconcileRuns, 1, "outcome", "skipped")
		r.logger.Info("reconciliation skipped", "reason", report.Skipped)
		return report, nil
	}

	after := ""
	for report.Batches < r.maxBatches {
		listings, err := r.store.ListListings(ctx, after, r.batchSize)
		if err != nil {
			r.recorder.Add(MetricReconcileRuns, 1, "outcome", "error")
			return report, fmt.Errorf("list tracked listings: %w", err)
		}
		if len(listings) == 0 {
			break
		}
		report.Batches++
		for _, listing := range listings {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			if err := r.reconcileOne(ctx, listing, &report); err != nil {
				report.Errors++
				r.logger.Warn("reconcile listing failed", "listing_id", listing.ListingID, "error", err)
			}
		}
		after = listings[len(listings)-1].ListingID
		if len(listings) < r.batchSize {
			break
		}
	}
	report.FinishedAt = r.now().UTC()
	r.recorder.Add(MetricReconcileRuns, 1, "outcome", "completed")
	r.logger.Info("reconciliation finished",
		"scanned", report.Scanned,
		"drifted", report.Drifted,
		"enqueued", report.Enqueued,
		"errors", report.Errors,
	)
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, listing ExternalListing, report *ReconcileReport) error {
	projection, err := r.projector.Build(ctx, listing.ListingID)
	if err != nil {
		return err
	}
	baseline := listing.LastPublishedHash
	var baselinePayload json.RawMessage
	latest, err := r.store.LatestSnapshot(ctx, listing.ListingID)
	switch {
	case err == nil:
		baseline = latest.Hash
		baselinePayload = latest.Projection
	case !errors.Is(err, ErrNotFound):
		return err
	}
	if projection.Hash == baseline {
		report.Unchanged++
		return nil
	}
	active, err := r.store.HasActiveQueueItem(ctx, listing.ListingID)
	if err != nil {
		return err
	}
	if active {
		report.Pending++
		return nil
	}

	event := DriftEvent{
		ListingID:    listing.ListingID,
		LocalHash:    projection.Hash,
		SnapshotHash: baseline,
		CreatedAt:    r.now().UTC(),
	}
	// Without a remote read the marketplace is assumed to still hold the
	// snapshot content.
	remoteHash := baseline
	var remotePayload json.RawMessage
	if r.fetchRemote && r.adapter != nil && listing.ExternalID != "" {
		remote, err := r.adapter.GetListing(ctx, listing.ExternalID)
		if err != nil {
			event.RemoteError = truncate(err.Error(), 1024)
		} else if fetched, err := canonical.Hash(remote.Payload); err != nil {
			event.RemoteError = "remote payload: " + err.Error()
		} else {
			remoteHash = fetched
			event.RemoteHash = fetched
			remotePayload = remote.Payload
		}
	}
	event.Classification = ClassifyDrift(event.LocalHash, remoteHash, event.SnapshotHash)
	event.Details, event.DetailsTruncated = r.details(baselinePayload, projection.Payload, remotePayload)

	if event.Classification == DriftExternalOnly || event.Classification == DriftBothChanged {
		// The marketplace no longer holds what we last published.
		listing.LastPublishedHash = remoteHash
		listing.UpdatedAt = event.CreatedAt
		if err := r.store.SaveListing(ctx, listing); err != nil {
			return err
		}
	}

	intent := IntentUpdate
	if listing.ExternalID == "" {
		intent = IntentCreate
	}
	item, err := r.store.CreateQueueItem(ctx, QueueItem{
		ListingID:   listing.ListingID,
		Intent:      intent,
		PayloadHash: projection.Hash,
		Status:      StatusPending,
		Priority:    PriorityReconciliation,
		Reason:      ReasonReconciliation,
		NextRunAt:   event.CreatedAt,
		CreatedAt:   event.CreatedAt,
		UpdatedAt:   event.CreatedAt,
	})
	switch {
	case errors.Is(err, ErrDuplicatePending):
		report.Pending++
	case err != nil:
		return err
	default:
		event.QueueItemID = item.ID
		report.Enqueued++
	}

	if _, err := r.store.CreateDriftEvent(ctx, event); err != nil {
		return err
	}
	report.Drifted++
	report.ByClass[event.Classification]++
	r.recorder.Add(MetricDriftEvents, 1, "classification", string(event.Classification))

	if r.snapshotOnDrift && r.snapshots != nil {
		if _, err := r.snapshots.Record(ctx, projection, SourceDrift); err != nil {
			r.logger.Warn("drift snapshot failed", "listing_id", listing.ListingID, "error", err)
		}
	}
	return nil
}

func (r *Reconciler) details(snapshot, local, remote json.RawMessage) (json.RawMessage, bool) {
	out := map[string]diff.Changes{}
	truncated := false
	budget := r.maxDetailBytes
	if changes, err := diffPayloads(snapshot, local); err == nil {
		bounded, cut := diff.Bounded(changes, budget/2)
		out["local"] = bounded
		truncated = truncated || cut
	}
	if len(remote) > 0 {
		if changes, err := diffPayloads(snapshot, remote); err == nil {
			bounded, cut := diff.Bounded(changes, budget/2)
			out["remote"] = bounded
			truncated = truncated || cut
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, true
	}
	return data, truncated
}

// RunRetention deletes drift events older than the retention window.
func (r *Reconciler) RunRetention(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.retention)
	deleted, err := r.store.DeleteDriftEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	r.logger.Info("drift retention applied", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// Loop runs reconciliation and retention every interval until ctx ends.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := r.Run(ctx, ReconcileRequest{}); err != nil && ctx.Err() == nil {
			r.logger.Error("reconciliation run failed", "error", err)
		}
		if _, err := r.RunRetention(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("drift retention failed", "error", err)
		}
	}
}
