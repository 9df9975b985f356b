package listingsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all sync state in memory. With a path it rewrites a JSON
// snapshot after every mutation so local runs survive restarts.
type MemoryStore struct {
	mu    sync.Mutex
	path  string
	state persistedState
}

type persistedState struct {
	NextID       int64                      `json:"nextId"`
	Listings     map[string]ExternalListing `json:"listings"`
	Queue        []QueueItem                `json:"queue"`
	SyncLogs     []SyncLogEntry             `json:"syncLogs"`
	Transactions []Transaction              `json:"transactions"`
	FailedEvents []FailedEvent              `json:"failedEvents"`
	Snapshots    []Snapshot                 `json:"snapshots"`
	DriftEvents  []DriftEvent               `json:"driftEvents"`
	Policies     map[string]PolicyEntry     `json:"policies"`
	Staged       []StagedPayload            `json:"staged"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newPersistedState()}
}

// NewJSONFileStore loads path when it exists and persists every change back
// to it.
func NewJSONFileStore(path string) (*MemoryStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &MemoryStore{path: path, state: newPersistedState()}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("load state file %s: %w", path, err)
		}
		if s.state.Listings == nil {
			s.state.Listings = map[string]ExternalListing{}
		}
		if s.state.Policies == nil {
			s.state.Policies = map[string]PolicyEntry{}
		}
	}
	return s, nil
}

func newPersistedState() persistedState {
	return persistedState{
		Listings: map[string]ExternalListing{},
		Policies: map[string]PolicyEntry{},
	}
}

func (s *MemoryStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *MemoryStore) nextIDLocked() int64 {
	s.state.NextID++
	return s.state.NextID
}

func (s *MemoryStore) GetListing(_ context.Context, listingID string) (ExternalListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.state.Listings[listingID]
	if !ok {
		return ExternalListing{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) SaveListing(_ context.Context, listing ExternalListing) error {
	if strings.TrimSpace(listing.ListingID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Listings[listing.ListingID] = listing
	return s.persistLocked()
}

func (s *MemoryStore) ListListings(_ context.Context, afterID string, limit int) ([]ExternalListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.state.Listings))
	for id := range s.state.Listings {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit = normalizeLimit(limit); len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]ExternalListing, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.state.Listings[id])
	}
	return out, nil
}

func (s *MemoryStore) CreateQueueItem(_ context.Context, item QueueItem) (QueueItem, error) {
	if strings.TrimSpace(item.ListingID) == "" {
		return QueueItem{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.Status.Active() {
		for _, existing := range s.state.Queue {
			if existing.Status.Active() && existing.ListingID == item.ListingID && existing.PayloadHash == item.PayloadHash {
				return QueueItem{}, ErrDuplicatePending
			}
		}
	}
	item.ID = s.nextIDLocked()
	s.state.Queue = append(s.state.Queue, item)
	return item, s.persistLocked()
}

func (s *MemoryStore) FindActiveQueueItem(_ context.Context, listingID, payloadHash string) (QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.state.Queue {
		if item.Status.Active() && item.ListingID == listingID && item.PayloadHash == payloadHash {
			return item, nil
		}
	}
	return QueueItem{}, ErrNotFound
}

func (s *MemoryStore) HasActiveQueueItem(_ context.Context, listingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.state.Queue {
		if item.Status.Active() && item.ListingID == listingID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ClaimNextQueueItem(_ context.Context, now time.Time) (QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	for i, item := range s.state.Queue {
		if item.Status != StatusPending || item.NextRunAt.After(now) {
			continue
		}
		if best < 0 || queueLess(item, s.state.Queue[best]) {
			best = i
		}
	}
	if best < 0 {
		return QueueItem{}, ErrNoWork
	}
	item := &s.state.Queue[best]
	claimed := now
	item.Status = StatusProcessing
	item.Attempts++
	item.ClaimedAt = &claimed
	item.UpdatedAt = now
	return *item, s.persistLocked()
}

func (s *MemoryStore) ExpireStaleClaims(_ context.Context, claimedBefore, now time.Time, reason string) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []QueueItem
	for i := range s.state.Queue {
		item := &s.state.Queue[i]
		if item.Status != StatusProcessing || item.ClaimedAt == nil || !item.ClaimedAt.Before(claimedBefore) {
			continue
		}
		item.Status = StatusError
		item.ErrorKind = ""
		item.LastError = reason
		item.UpdatedAt = now
		expired = append(expired, *item)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, s.persistLocked()
}

func queueLess(a, b QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) UpdateQueueItem(_ context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Queue {
		if s.state.Queue[i].ID != item.ID {
			continue
		}
		if item.Status.Active() && !s.state.Queue[i].Status.Active() {
			for _, other := range s.state.Queue {
				if other.ID != item.ID && other.Status.Active() && other.ListingID == item.ListingID && other.PayloadHash == item.PayloadHash {
					return ErrDuplicatePending
				}
			}
		}
		s.state.Queue[i] = item
		return s.persistLocked()
	}
	return ErrNotFound
}

func (s *MemoryStore) GetQueueItem(_ context.Context, id int64) (QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.state.Queue {
		if item.ID == id {
			return item, nil
		}
	}
	return QueueItem{}, ErrNotFound
}

func (s *MemoryStore) ListQueueItems(_ context.Context, filter QueueFilter) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]QueueItem, 0)
	for _, item := range s.state.Queue {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.ListingID != "" && item.ListingID != filter.ListingID {
			continue
		}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return queueLess(out[i], out[j]) })
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) QueueStats(_ context.Context) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := QueueStats{Counts: map[QueueStatus]int{}}
	for _, item := range s.state.Queue {
		stats.Counts[item.Status]++
		if item.Status == StatusPending {
			created := item.CreatedAt
			if stats.OldestPendingAt == nil || created.Before(*stats.OldestPendingAt) {
				stats.OldestPendingAt = &created
			}
		}
	}
	return stats, nil
}

func (s *MemoryStore) AppendSyncLog(_ context.Context, entry SyncLogEntry) (SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextIDLocked()
	s.state.SyncLogs = append(s.state.SyncLogs, entry)
	return entry, s.persistLocked()
}

func (s *MemoryStore) ListSyncLogs(_ context.Context, filter LogFilter) ([]SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.state.SyncLogs, filter.Limit, func(e SyncLogEntry) bool {
		return filter.ListingID == "" || e.ListingID == filter.ListingID
	}), nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.ID = s.nextIDLocked()
	s.state.Transactions = append(s.state.Transactions, tx)
	return tx, s.persistLocked()
}

func (s *MemoryStore) ListTransactions(_ context.Context, filter LogFilter) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.state.Transactions, filter.Limit, func(t Transaction) bool {
		return filter.ListingID == "" || t.ListingID == filter.ListingID
	}), nil
}

func (s *MemoryStore) CreateFailedEvent(_ context.Context, event FailedEvent) (FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.FailedEvents {
		if event.QueueItemID != 0 && existing.QueueItemID == event.QueueItemID {
			return existing, nil
		}
	}
	event.ID = s.nextIDLocked()
	s.state.FailedEvents = append(s.state.FailedEvents, event)
	return event, s.persistLocked()
}

func (s *MemoryStore) GetFailedEvent(_ context.Context, id int64) (FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.state.FailedEvents {
		if event.ID == id {
			return event, nil
		}
	}
	return FailedEvent{}, ErrNotFound
}

func (s *MemoryStore) ListFailedEvents(_ context.Context, filter LogFilter) ([]FailedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.state.FailedEvents, filter.Limit, func(e FailedEvent) bool {
		return filter.ListingID == "" || e.ListingID == filter.ListingID
	}), nil
}

func (s *MemoryStore) MarkFailedEventReplayed(_ context.Context, id, replayItemID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.FailedEvents {
		if s.state.FailedEvents[i].ID == id {
			s.state.FailedEvents[i].ReplayedAt = &at
			s.state.FailedEvents[i].ReplayItemID = replayItemID
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, snap Snapshot) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.nextIDLocked()
	s.state.Snapshots = append(s.state.Snapshots, snap)
	return snap, s.persistLocked()
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id int64) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.state.Snapshots {
		if snap.ID == id {
			return snap, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, listingID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.state.Snapshots) - 1; i >= 0; i-- {
		if s.state.Snapshots[i].ListingID == listingID {
			return s.state.Snapshots[i], nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func (s *MemoryStore) ListSnapshots(_ context.Context, filter LogFilter) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.state.Snapshots, filter.Limit, func(snap Snapshot) bool {
		return filter.ListingID == "" || snap.ListingID == filter.ListingID
	}), nil
}

func (s *MemoryStore) CreateDriftEvent(_ context.Context, event DriftEvent) (DriftEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextIDLocked()
	s.state.DriftEvents = append(s.state.DriftEvents, event)
	return event, s.persistLocked()
}

func (s *MemoryStore) ListDriftEvents(_ context.Context, filter DriftFilter) ([]DriftEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.state.DriftEvents, filter.Limit, func(e DriftEvent) bool {
		if filter.ListingID != "" && e.ListingID != filter.ListingID {
			return false
		}
		if filter.Classification != "" && e.Classification != filter.Classification {
			return false
		}
		return filter.Since.IsZero() || !e.CreatedAt.Before(filter.Since)
	}), nil
}

func (s *MemoryStore) DriftSummary(_ context.Context, since time.Time) (map[DriftClass]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[DriftClass]int{}
	for _, e := range s.state.DriftEvents {
		if since.IsZero() || !e.CreatedAt.Before(since) {
			out[e.Classification]++
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteDriftEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.state.DriftEvents[:0]
	deleted := 0
	for _, e := range s.state.DriftEvents {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.state.DriftEvents = kept
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.persistLocked()
}

func policyKey(policyType, externalID string) string {
	return policyType + "|" + externalID
}

func (s *MemoryStore) GetPolicy(_ context.Context, policyType, externalID string) (PolicyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.Policies[policyKey(policyType, externalID)]
	if !ok {
		return PolicyEntry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) UpsertPolicy(_ context.Context, entry PolicyEntry) error {
	if entry.PolicyType == "" || entry.ExternalID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Policies[policyKey(entry.PolicyType, entry.ExternalID)] = entry
	return s.persistLocked()
}

func (s *MemoryStore) ListPolicies(_ context.Context, policyType string) ([]PolicyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PolicyEntry, 0, len(s.state.Policies))
	for _, entry := range s.state.Policies {
		if policyType == "" || entry.PolicyType == policyType {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return policyKey(out[i].PolicyType, out[i].ExternalID) < policyKey(out[j].PolicyType, out[j].ExternalID)
	})
	return out, nil
}

func (s *MemoryStore) DeleteExpiredPolicies(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, entry := range s.state.Policies {
		if !entry.ExpiresAt.After(now) {
			delete(s.state.Policies, key)
			deleted++
		}
	}
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.persistLocked()
}

func (s *MemoryStore) CreateStagedPayload(_ context.Context, staged StagedPayload) (StagedPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged.ID = s.nextIDLocked()
	if staged.Status == "" {
		staged.Status = StagedPending
	}
	s.state.Staged = append(s.state.Staged, staged)
	return staged, s.persistLocked()
}

func (s *MemoryStore) ListStagedPayloads(_ context.Context, status StagedStatus, limit int) ([]StagedPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StagedPayload, 0)
	for _, staged := range s.state.Staged {
		if status == "" || staged.Status == status {
			out = append(out, staged)
		}
	}
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStagedPayload(_ context.Context, staged StagedPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Staged {
		if s.state.Staged[i].ID == staged.ID {
			s.state.Staged[i] = staged
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// newestFirst walks rows from the end, keeping up to limit that match.
func newestFirst[T any](rows []T, limit int, keep func(T) bool) []T {
	limit = normalizeLimit(limit)
	out := make([]T, 0)
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out
}
