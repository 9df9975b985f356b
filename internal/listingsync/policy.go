package listingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roquehomemaster/listingsync/internal/canonical"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

var DefaultPolicyTypes = []string{"fulfillment", "payment", "return"}

const watchDebounce = 250 * time.Millisecond

type PolicyOptions struct {
	Store     Store
	Adapter   Adapter
	Detector  *Detector
	Snapshots *SnapshotService

	Types            []string
	TTL              time.Duration
	ImpactEnabled    bool
	ImpactCap        int
	SnapshotOnImpact bool

	Recorder metrics.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// PolicyService keeps the business-policy cache fresh and re-detects
// listings when any cached policy content changes.
type PolicyService struct {
	store     Store
	adapter   Adapter
	detector  *Detector
	snapshots *SnapshotService

	types            []string
	ttl              time.Duration
	impactEnabled    bool
	impactCap        int
	snapshotOnImpact bool

	recorder metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time

	refreshMu sync.Mutex
}

type PolicyTypeReport struct {
	Due       bool   `json:"due"`
	Fetched   int    `json:"fetched"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Error     string `json:"error,omitempty"`
}

type ImpactReport struct {
	Scanned  int  `json:"scanned"`
	Enqueued int  `json:"enqueued"`
	Skipped  int  `json:"skipped"`
	Errors   int  `json:"errors"`
	Capped   bool `json:"capped"`
}

type PolicyRefreshReport struct {
	Types   map[string]PolicyTypeReport `json:"types"`
	Changed int                         `json:"changed"`
	Impact  *ImpactReport               `json:"impact,omitempty"`
}

func NewPolicyService(opts PolicyOptions) *PolicyService {
	s := &PolicyService{
		store:            opts.Store,
		adapter:          opts.Adapter,
		detector:         opts.Detector,
		snapshots:        opts.Snapshots,
		types:            opts.Types,
		ttl:              opts.TTL,
		impactEnabled:    opts.ImpactEnabled,
		impactCap:        opts.ImpactCap,
		snapshotOnImpact: opts.SnapshotOnImpact,
		recorder:         opts.Recorder,
		logger:           opts.Logger,
		now:              opts.Now,
	}
	if len(s.types) == 0 {
		s.types = DefaultPolicyTypes
	}
	if s.ttl <= 0 {
		s.ttl = 6 * time.Hour
	}
	if s.impactCap <= 0 {
		s.impactCap = 1000
	}
	if s.recorder == nil {
		s.recorder = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *PolicyService) GetPolicy(ctx context.Context, policyType, externalID string) (PolicyEntry, error) {
	return s.store.GetPolicy(ctx, policyType, externalID)
}

// List returns cached policies, all types when policyType is empty.
func (s *PolicyService) List(ctx context.Context, policyType string) ([]PolicyEntry, error) {
	return s.store.ListPolicies(ctx, policyType)
}

// Refresh re-fetches every policy type whose cache has expired, or all of
// them when force is set.
func (s *PolicyService) Refresh(ctx context.Context, force bool) (PolicyRefreshReport, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	report := PolicyRefreshReport{Types: map[string]PolicyTypeReport{}}
	var errs []error
	for _, policyType := range s.types {
		typeReport, err := s.refreshType(ctx, policyType, force)
		if err != nil {
			typeReport.Error = err.Error()
			errs = append(errs, fmt.Errorf("refresh %s policies: %w", policyType, err))
			s.recorder.Add(MetricPolicyRefreshes, 1, "type", policyType, "outcome", "error")
		} else if typeReport.Due {
			s.recorder.Add(MetricPolicyRefreshes, 1, "type", policyType, "outcome", "ok")
		}
		report.Types[policyType] = typeReport
		report.Changed += typeReport.Inserted + typeReport.Updated
	}
	if report.Changed > 0 {
		s.logger.Info("policy content changed", "changed", report.Changed)
		if s.impactEnabled && s.detector != nil {
			impact, err := s.applyImpact(ctx)
			report.Impact = &impact
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return report, errors.Join(errs...)
}

func (s *PolicyService) refreshType(ctx context.Context, policyType string, force bool) (PolicyTypeReport, error) {
	now := s.now().UTC()
	cached, err := s.store.ListPolicies(ctx, policyType)
	if err != nil {
		return PolicyTypeReport{}, err
	}
	report := PolicyTypeReport{Due: force || len(cached) == 0}
	existing := make(map[string]PolicyEntry, len(cached))
	for _, entry := range cached {
		existing[entry.ExternalID] = entry
		if !entry.ExpiresAt.After(now) {
			report.Due = true
		}
	}
	if !report.Due {
		return report, nil
	}

	remote, err := s.adapter.FetchPolicies(ctx, policyType)
	if err != nil {
		return report, err
	}
	report.Fetched = len(remote)
	for _, policy := range remote {
		hash, err := canonical.Hash(policy.Payload)
		if err != nil {
			return report, fmt.Errorf("hash policy %s: %w", policy.ExternalID, err)
		}
		entry := PolicyEntry{
			PolicyType:  policyType,
			ExternalID:  policy.ExternalID,
			Name:        policy.Name,
			Payload:     policy.Payload,
			ContentHash: hash,
			FetchedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		}
		prev, ok := existing[policy.ExternalID]
		switch {
		case !ok:
			report.Inserted++
		case prev.ContentHash != hash:
			report.Updated++
		default:
			// Same content: keep the stored payload, extend the expiry.
			prev.FetchedAt = now
			prev.ExpiresAt = entry.ExpiresAt
			entry = prev
			report.Unchanged++
		}
		if err := s.store.UpsertPolicy(ctx, entry); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *PolicyService) applyImpact(ctx context.Context) (ImpactReport, error) {
	var report ImpactReport
	after := ""
	for report.Scanned < s.impactCap {
		page := min(100, s.impactCap-report.Scanned)
		listings, err := s.store.ListListings(ctx, after, page)
		if err != nil {
			return report, fmt.Errorf("policy impact: %w", err)
		}
		if len(listings) == 0 {
			break
		}
		for _, listing := range listings {
			report.Scanned++
			result, err := s.detector.Detect(ctx, listing.ListingID, ReasonPolicyChange)
			if err != nil {
				report.Errors++
				s.logger.Warn("policy impact detect failed", "listing_id", listing.ListingID, "error", err)
				continue
			}
			if result.Status != DetectEnqueued {
				report.Skipped++
				continue
			}
			report.Enqueued++
			s.recorder.Add(MetricPolicyImpactEnqueued, 1)
			if s.snapshotOnImpact && s.snapshots != nil {
				if _, err := s.snapshots.Snapshot(ctx, listing.ListingID, SourcePolicyImpact); err != nil {
					s.logger.Warn("policy impact snapshot failed", "listing_id", listing.ListingID, "error", err)
				}
			}
		}
		after = listings[len(listings)-1].ListingID
		if len(listings) < page {
			break
		}
	}
	if report.Scanned >= s.impactCap {
		if more, err := s.store.ListListings(ctx, after, 1); err == nil && len(more) > 0 {
			report.Capped = true
			s.logger.Warn("policy impact capped", "cap", s.impactCap)
		}
	}
	s.logger.Info("policy impact applied", "scanned", report.Scanned, "enqueued", report.Enqueued)
	return report, nil
}

func (s *PolicyService) DeleteExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredPolicies(ctx, s.now().UTC())
}

// Loop refreshes due policy types every interval until ctx ends.
func (s *PolicyService) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Refresh(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Warn("policy refresh failed", "error", err)
		}
	}
}

// Watch forces a refresh whenever a policy file in dir changes. It blocks
// until ctx ends.
func (s *PolicyService) Watch(ctx context.Context, dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("%w: policy directory is required", ErrInvalidInput)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	s.logger.Info("watching policy directory", "dir", dir)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending = time.After(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", "error", err)
		case <-pending:
			pending = nil
			if _, err := s.Refresh(ctx, true); err != nil && ctx.Err() == nil {
				s.logger.Warn("policy refresh after file change failed", "error", err)
			}
		}
	}
}
