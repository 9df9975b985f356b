package listingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roquehomemaster/listingsync/internal/metrics"
)

type DetectStatus string

const (
	DetectEnqueued DetectStatus = "enqueued"
	DetectSkipped  DetectStatus = "skipped"
)

// Skip reasons reported by the detector.
const (
	SkipFeatureDisabled  = "feature_flag_disabled"
	SkipHashUnchanged    = "hash_unchanged"
	SkipDuplicatePending = "duplicate_pending"
)

type DetectResult struct {
	Status      DetectStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	ListingID   string       `json:"listingId"`
	Intent      Intent       `json:"intent,omitempty"`
	PayloadHash string       `json:"payloadHash,omitempty"`
	QueueItemID int64        `json:"queueItemId,omitempty"`
}

type DetectorOptions struct {
	Store     Store
	Projector *Projector
	// Enabled reports the sync feature flag; nil means always on.
	Enabled  func() bool
	Recorder metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

type Detector struct {
	store     Store
	projector *Projector
	enabled   func() bool
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewDetector(opts DetectorOptions) *Detector {
	enabled := opts.Enabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		store:     opts.Store,
		projector: opts.Projector,
		enabled:   enabled,
		recorder:  recorder,
		logger:    logger,
		now:       now,
	}
}

// Detect decides whether listingID needs publishing and, if so, enqueues
// exactly one pending item for its current projection hash.
func (d *Detector) Detect(ctx context.Context, listingID, reason string) (DetectResult, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return DetectResult{}, fmt.Errorf("%w: listing id is required", ErrInvalidInput)
	}
	if reason == "" {
		reason = ReasonChange
	}
	if !d.enabled() {
		return d.skip(DetectResult{ListingID: listingID}, SkipFeatureDisabled), nil
	}
	projection, err := d.projector.Build(ctx, listingID)
	if err != nil {
		return DetectResult{}, err
	}
	now := d.now().UTC()
	result := DetectResult{ListingID: listingID, PayloadHash: projection.Hash}

	listing, err := d.store.GetListing(ctx, listingID)
	switch {
	case errors.Is(err, ErrNotFound):
		listing = ExternalListing{ListingID: listingID, State: ListingPending, CreatedAt: now, UpdatedAt: now}
		if err := d.store.SaveListing(ctx, listing); err != nil {
			return DetectResult{}, fmt.Errorf("create external listing %s: %w", listingID, err)
		}
		result.Intent = IntentCreate
	case err != nil:
		return DetectResult{}, err
	case listing.ExternalID == "":
		result.Intent = IntentCreate
	default:
		if listing.LastPublishedHash == projection.Hash {
			result.Intent = IntentUpdate
			return d.skip(result, SkipHashUnchanged), nil
		}
		result.Intent = IntentUpdate
	}

	if _, err := d.store.FindActiveQueueItem(ctx, listingID, projection.Hash); err == nil {
		return d.skip(result, SkipDuplicatePending), nil
	} else if !errors.Is(err, ErrNotFound) {
		return DetectResult{}, err
	}

	item, err := d.store.CreateQueueItem(ctx, QueueItem{
		ListingID:   listingID,
		Intent:      result.Intent,
		PayloadHash: projection.Hash,
		Status:      StatusPending,
		Priority:    priorityFor(result.Intent, reason),
		Reason:      reason,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if errors.Is(err, ErrDuplicatePending) {
		return d.skip(result, SkipDuplicatePending), nil
	}
	if err != nil {
		return DetectResult{}, fmt.Errorf("enqueue %s: %w", listingID, err)
	}
	result.Status = DetectEnqueued
	result.QueueItemID = item.ID
	d.recorder.Add(MetricDetectTotal, 1, "status", string(DetectEnqueued), "reason", reason)
	d.logger.Debug("listing change enqueued", "listing_id", listingID, "intent", result.Intent, "queue_item_id", item.ID, "reason", reason)
	return result, nil
}

func (d *Detector) skip(result DetectResult, why string) DetectResult {
	result.Status = DetectSkipped
	result.Reason = why
	d.recorder.Add(MetricDetectTotal, 1, "status", string(DetectSkipped), "reason", why)
	return result
}

func priorityFor(intent Intent, reason string) int {
	switch reason {
	case ReasonPolicyChange:
		return PriorityPolicy
	case ReasonReconciliation:
		return PriorityReconciliation
	}
	if intent == IntentCreate {
		return PriorityCreate
	}
	return PriorityUpdate
}
