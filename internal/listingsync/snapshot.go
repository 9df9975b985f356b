package listingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roquehomemaster/listingsync/internal/canonical"
	"github.com/roquehomemaster/listingsync/internal/diff"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

type SnapshotOptions struct {
	Store     Store
	Projector *Projector
	Recorder  metrics.Recorder
	Logger    *slog.Logger
	Now       func() time.Time
}

type SnapshotService struct {
	store     Store
	projector *Projector
	recorder  metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewSnapshotService(opts SnapshotOptions) *SnapshotService {
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
	return &SnapshotService{store: opts.Store, projector: opts.Projector, recorder: recorder, logger: logger, now: now}
}

// Snapshot builds the current projection of listingID and records it.
func (s *SnapshotService) Snapshot(ctx context.Context, listingID, source string) (Snapshot, error) {
	projection, err := s.projector.Build(ctx, listingID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Record(ctx, projection, source)
}

// Record stores projection as the newest snapshot. Content identical to the
// latest snapshot is still inserted, pointing at the first row of that run.
func (s *SnapshotService) Record(ctx context.Context, projection Projection, source string) (Snapshot, error) {
	if source == "" {
		source = SourceManual
	}
	snap := Snapshot{
		ListingID:  projection.ListingID,
		Hash:       projection.Hash,
		Projection: projection.Payload,
		Source:     source,
		CreatedAt:  s.now().UTC(),
	}
	latest, err := s.store.LatestSnapshot(ctx, projection.ListingID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return Snapshot{}, err
	case latest.Hash == projection.Hash:
		snap.DedupOf = latest.ID
		if latest.DedupOf != 0 {
			snap.DedupOf = latest.DedupOf
		}
	default:
		changes, err := diffPayloads(latest.Projection, projection.Payload)
		if err != nil {
			return Snapshot{}, fmt.Errorf("diff snapshot %d: %w", latest.ID, err)
		}
		snap.Diff = changes
	}
	created, err := s.store.CreateSnapshot(ctx, snap)
	if err != nil {
		return Snapshot{}, err
	}
	s.recorder.Add(MetricSnapshots, 1, "source", source, "dedup", fmt.Sprint(created.DedupOf != 0))
	return created, nil
}

// Diff compares two stored snapshots, from -> to.
func (s *SnapshotService) Diff(ctx context.Context, fromID, toID int64) (diff.Changes, error) {
	from, err := s.store.GetSnapshot(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetSnapshot(ctx, toID)
	if err != nil {
		return nil, err
	}
	return diffPayloads(from.Projection, to.Projection)
}

func diffPayloads(before, after []byte) (diff.Changes, error) {
	var b, a any
	var err error
	if len(before) > 0 {
		if b, err = canonical.Parse(before); err != nil {
			return nil, err
		}
	}
	if len(after) > 0 {
		if a, err = canonical.Parse(after); err != nil {
			return nil, err
		}
	}
	return diff.Compute(b, a)
}
