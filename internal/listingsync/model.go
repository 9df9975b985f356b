package listingsync

import (
	"encoding/json"
	"time"

	"github.com/roquehomemaster/listingsync/internal/diff"
)

type ListingState string

const (
	ListingPending   ListingState = "pending"
	ListingPublished ListingState = "published"
)

// ExternalListing tracks one internal listing's relationship with the
// marketplace.
type ExternalListing struct {
	ListingID         string       `json:"listingId"`
	ExternalID        string       `json:"externalId,omitempty"`
	State             ListingState `json:"state"`
	LastPublishedHash string       `json:"lastPublishedHash,omitempty"`
	LastPublishedAt   *time.Time   `json:"lastPublishedAt,omitempty"`
	ExternalRevision  string       `json:"externalRevision,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

type Intent string

const (
	IntentCreate Intent = "create"
	IntentUpdate Intent = "update"
)

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusComplete   QueueStatus = "complete"
	StatusError      QueueStatus = "error"
	StatusDead       QueueStatus = "dead"
)

func (s QueueStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

func ParseQueueStatus(raw string) (QueueStatus, bool) {
	switch s := QueueStatus(raw); s {
	case StatusPending, StatusProcessing, StatusComplete, StatusError, StatusDead:
		return s, true
	default:
		return "", false
	}
}

// Trigger reasons recorded on queue items.
const (
	ReasonChange         = "change"
	ReasonReconciliation = "reconciliation"
	ReasonPolicyChange   = "policy_change"
	ReasonReplay         = "replay"
	ReasonManual         = "manual"
)

// Priorities; lower runs first.
const (
	PriorityCreate         = 50
	PriorityUpdate         = 100
	PriorityReconciliation = 120
	PriorityPolicy         = 150
)

type QueueItem struct {
	ID          int64       `json:"id"`
	ListingID   string      `json:"listingId"`
	Intent      Intent      `json:"intent"`
	PayloadHash string      `json:"payloadHash"`
	Status      QueueStatus `json:"status"`
	Priority    int         `json:"priority"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"lastError,omitempty"`
	ErrorKind   ErrorKind   `json:"errorKind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	NextRunAt   time.Time   `json:"nextRunAt"`
	ClaimedAt   *time.Time  `json:"claimedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

type QueueStats struct {
	Counts          map[QueueStatus]int `json:"counts"`
	OldestPendingAt *time.Time          `json:"oldestPendingAt,omitempty"`
}

func (s QueueStats) Backlog() int {
	return s.Counts[StatusPending] + s.Counts[StatusProcessing]
}

type SyncResult string

const (
	ResultSuccess SyncResult = "success"
	ResultRetry   SyncResult = "retry"
	ResultFailed  SyncResult = "failed"
)

// SyncLogEntry records one adapter attempt that reached the network.
type SyncLogEntry struct {
	ID           int64           `json:"id"`
	ListingID    string          `json:"listingId"`
	QueueItemID  int64           `json:"queueItemId"`
	Operation    Intent          `json:"operation"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	ResponseCode int             `json:"responseCode"`
	Result       SyncResult      `json:"result"`
	DurationMS   int64           `json:"durationMs"`
	AttemptHash  string          `json:"attemptHash"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Transaction is one HTTP exchange with the marketplace, redacted.
type Transaction struct {
	ID              int64             `json:"id"`
	CorrelationID   string            `json:"correlationId"`
	ListingID       string            `json:"listingId,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseCode    int               `json:"responseCode"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	DurationMS      int64             `json:"durationMs"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

type FailedEvent struct {
	ID           int64           `json:"id"`
	ListingID    string          `json:"listingId"`
	QueueItemID  int64           `json:"queueItemId"`
	Intent       Intent          `json:"intent"`
	PayloadHash  string          `json:"payloadHash"`
	LastRequest  json.RawMessage `json:"lastRequest,omitempty"`
	LastError    string          `json:"lastError"`
	Attempts     int             `json:"attempts"`
	ReplayedAt   *time.Time      `json:"replayedAt,omitempty"`
	ReplayItemID int64           `json:"replayItemId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Snapshot sources.
const (
	SourcePublish      = "publish"
	SourceDrift        = "reconciliation_drift"
	SourcePolicyImpact = "policy_impact"
	SourceManual       = "manual"
)

type Snapshot struct {
	ID         int64           `json:"id"`
	ListingID  string          `json:"listingId"`
	Hash       string          `json:"hash"`
	Projection json.RawMessage `json:"projection"`
	Diff       diff.Changes    `json:"diff,omitempty"`
	Source     string          `json:"source"`
	DedupOf    int64           `json:"dedupOf,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type DriftClass string

const (
	DriftInternalOnly  DriftClass = "internal_only"
	DriftExternalOnly  DriftClass = "external_only"
	DriftBothChanged   DriftClass = "both_changed"
	DriftSnapshotStale DriftClass = "snapshot_stale"
)

type DriftEvent struct {
	ID               int64           `json:"id"`
	ListingID        string          `json:"listingId"`
	Classification   DriftClass      `json:"classification"`
	LocalHash        string          `json:"localHash"`
	RemoteHash       string          `json:"remoteHash,omitempty"`
	SnapshotHash     string          `json:"snapshotHash,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	DetailsTruncated bool            `json:"detailsTruncated,omitempty"`
	RemoteError      string          `json:"remoteError,omitempty"`
	QueueItemID      int64           `json:"queueItemId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type PolicyEntry struct {
	PolicyType  string          `json:"policyType"`
	ExternalID  string          `json:"externalId"`
	Name        string          `json:"name,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	ContentHash string          `json:"contentHash"`
	FetchedAt   time.Time       `json:"fetchedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

type StagedStatus string

const (
	StagedPending StagedStatus = "staged"
	StagedMapped  StagedStatus = "mapped"
	StagedFailed  StagedStatus = "failed"
)

// StagedPayload is a raw external document waiting for the batch mapper.
type StagedPayload struct {
	ID         int64           `json:"id"`
	Source     string          `json:"source"`
	ExternalID string          `json:"externalId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Status     StagedStatus    `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	MappedAt   *time.Time      `json:"mappedAt,omitempty"`
}
