package listingsync

import (
	"context"
	"time"
)

// Store is the durable sync-state store for every pipeline entity.
type Store interface {
	GetListing(ctx context.Context, listingID string) (ExternalListing, error)
	SaveListing(ctx context.Context, listing ExternalListing) error
	ListListings(ctx context.Context, afterID string, limit int) ([]ExternalListing, error)

	// CreateQueueItem fails with ErrDuplicatePending when a pending or
	// processing item already exists for the same listing and payload hash.
	CreateQueueItem(ctx context.Context, item QueueItem) (QueueItem, error)
	FindActiveQueueItem(ctx context.Context, listingID, payloadHash string) (QueueItem, error)
	HasActiveQueueItem(ctx context.Context, listingID string) (bool, error)
	// ClaimNextQueueItem atomically moves the next eligible pending item to
	// processing and increments its attempts. ErrNoWork when none is due.
	ClaimNextQueueItem(ctx context.Context, now time.Time) (QueueItem, error)
	UpdateQueueItem(ctx context.Context, item QueueItem) error
	// ExpireStaleClaims moves processing items claimed before claimedBefore
	// to error and returns them.
	ExpireStaleClaims(ctx context.Context, claimedBefore, now time.Time, reason string) ([]QueueItem, error)
	GetQueueItem(ctx context.Context, id int64) (QueueItem, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]QueueItem, error)
	QueueStats(ctx context.Context) (QueueStats, error)

	AppendSyncLog(ctx context.Context, entry SyncLogEntry) (SyncLogEntry, error)
	ListSyncLogs(ctx context.Context, filter LogFilter) ([]SyncLogEntry, error)
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, filter LogFilter) ([]Transaction, error)

	CreateFailedEvent(ctx context.Context, event FailedEvent) (FailedEvent, error)
	GetFailedEvent(ctx context.Context, id int64) (FailedEvent, error)
	ListFailedEvents(ctx context.Context, filter LogFilter) ([]FailedEvent, error)
	MarkFailedEventReplayed(ctx context.Context, id, replayItemID int64, at time.Time) error

	CreateSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error)
	GetSnapshot(ctx context.Context, id int64) (Snapshot, error)
	LatestSnapshot(ctx context.Context, listingID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, filter LogFilter) ([]Snapshot, error)

	CreateDriftEvent(ctx context.Context, event DriftEvent) (DriftEvent, error)
	ListDriftEvents(ctx context.Context, filter DriftFilter) ([]DriftEvent, error)
	DriftSummary(ctx context.Context, since time.Time) (map[DriftClass]int, error)
	DeleteDriftEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	GetPolicy(ctx context.Context, policyType, externalID string) (PolicyEntry, error)
	UpsertPolicy(ctx context.Context, entry PolicyEntry) error
	ListPolicies(ctx context.Context, policyType string) ([]PolicyEntry, error)
	DeleteExpiredPolicies(ctx context.Context, now time.Time) (int, error)

	CreateStagedPayload(ctx context.Context, staged StagedPayload) (StagedPayload, error)
	ListStagedPayloads(ctx context.Context, status StagedStatus, limit int) ([]StagedPayload, error)
	UpdateStagedPayload(ctx context.Context, staged StagedPayload) error

	Ping(ctx context.Context) error
	Close() error
}

type QueueFilter struct {
	Status    QueueStatus
	ListingID string
	Limit     int
}

// LogFilter narrows append-only listings. Results are newest first.
type LogFilter struct {
	ListingID string
	Limit     int
}

type DriftFilter struct {
	ListingID      string
	Classification DriftClass
	Since          time.Time
	Limit          int
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
