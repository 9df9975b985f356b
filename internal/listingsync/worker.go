package listingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/roquehomemaster/listingsync/internal/canonical"
	"github.com/roquehomemaster/listingsync/internal/metrics"
)

const (
	defaultMaxRetries           = 6
	defaultPermanentMaxAttempts = 2
	defaultMaxBackoff           = 300 * time.Second
	defaultClaimTimeout         = 5 * time.Minute
)

// AlertSink receives queue wait observations for burn-rate alerting.
type AlertSink interface {
	ObserveWait(wait time.Duration)
}

type nopAlertSink struct{}

func (nopAlertSink) ObserveWait(time.Duration) {}

type WorkerOptions struct {
	Store     Store
	Projector *Projector
	Adapter   Adapter
	Snapshots *SnapshotService

	MaxRetries           int
	PermanentMaxAttempts int
	MaxBackoff           time.Duration
	// JitterFraction shortens each delay by up to this fraction. 0 disables.
	JitterFraction float64

	Interval  time.Duration
	Burst     int
	IdleDelay time.Duration
	// ClaimTimeout is how long an item may stay in processing before the
	// sweep moves it to error.
	ClaimTimeout time.Duration

	Recorder metrics.Recorder
	Alerts   AlertSink
	Logger   *slog.Logger
	Now      func() time.Time
	Rand     func() float64
}

// Worker claims one queue item at a time and drives it to a terminal or
// rescheduled state.
type Worker struct {
	store     Store
	projector *Projector
	adapter   Adapter
	snapshots *SnapshotService

	maxRetries     int
	permanentMax   int
	maxBackoff     time.Duration
	jitterFraction float64

	interval     time.Duration
	burst        int
	idleDelay    time.Duration
	claimTimeout time.Duration

	recorder metrics.Recorder
	alerts   AlertSink
	logger   *slog.Logger
	now      func() time.Time
	rand     func() float64

	wg sync.WaitGroup
}

type Outcome string

const (
	OutcomePublished  Outcome = "published"
	OutcomeIdempotent Outcome = "idempotent"
	OutcomeRetry      Outcome = "retry"
	OutcomeDead       Outcome = "dead"
	OutcomeError      Outcome = "error"
)

type ProcessResult struct {
	QueueItemID int64       `json:"queueItemId"`
	ListingID   string      `json:"listingId"`
	Outcome     Outcome     `json:"outcome"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	NextRunAt   *time.Time  `json:"nextRunAt,omitempty"`
	Error       string      `json:"error,omitempty"`
}

func NewWorker(opts WorkerOptions) *Worker {
	w := &Worker{
		store:          opts.Store,
		projector:      opts.Projector,
		adapter:        opts.Adapter,
		snapshots:      opts.Snapshots,
		maxRetries:     opts.MaxRetries,
		permanentMax:   opts.PermanentMaxAttempts,
		maxBackoff:     opts.MaxBackoff,
		jitterFraction: opts.JitterFraction,
		interval:       opts.Interval,
		burst:          opts.Burst,
		idleDelay:      opts.IdleDelay,
		claimTimeout:   opts.ClaimTimeout,
		recorder:       opts.Recorder,
		alerts:         opts.Alerts,
		logger:         opts.Logger,
		now:            opts.Now,
		rand:           opts.Rand,
	}
	if w.maxRetries <= 0 {
		w.maxRetries = defaultMaxRetries
	}
	if w.permanentMax <= 0 {
		w.permanentMax = defaultPermanentMaxAttempts
	}
	if w.maxBackoff <= 0 {
		w.maxBackoff = defaultMaxBackoff
	}
	if w.jitterFraction < 0 || w.jitterFraction > 1 {
		w.jitterFraction = 0
	}
	if w.interval <= 0 {
		w.interval = 500 * time.Millisecond
	}
	if w.burst <= 0 {
		w.burst = 1
	}
	if w.idleDelay <= 0 {
		w.idleDelay = 800 * time.Millisecond
	}
	if w.claimTimeout <= 0 {
		w.claimTimeout = defaultClaimTimeout
	}
	if w.recorder == nil {
		w.recorder = metrics.Nop{}
	}
	if w.alerts == nil {
		w.alerts = nopAlertSink{}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.rand == nil {
		w.rand = rand.Float64
	}
	return w
}

// BackoffDelay is min(limit, 2^attempts seconds).
func BackoffDelay(attempts int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 30 {
		return limit
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}

func (w *Worker) backoff(attempts int) time.Duration {
	delay := BackoffDelay(attempts, w.maxBackoff)
	if w.jitterFraction > 0 {
		delay -= time.Duration(float64(delay) * w.jitterFraction * w.rand())
	}
	return delay
}

// ProcessOnce handles exactly one due item. It returns ErrNoWork when the
// queue has nothing eligible.
func (w *Worker) ProcessOnce(ctx context.Context) (result ProcessResult, err error) {
	now := w.now().UTC()
	item, err := w.store.ClaimNextQueueItem(ctx, now)
	if err != nil {
		return ProcessResult{}, err
	}
	wait := now.Sub(item.CreatedAt)
	if wait < 0 {
		wait = 0
	}
	w.recorder.Observe(MetricQueueWaitSeconds, wait.Seconds())
	w.alerts.ObserveWait(wait)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("queue item panicked", "queue_item_id", item.ID, "listing_id", item.ListingID, "panic", r)
			result, err = w.markError(ctx, item, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.process(ctx, item)
}

func (w *Worker) process(ctx context.Context, item QueueItem) (ProcessResult, error) {
	listing, err := w.store.GetListing(ctx, item.ListingID)
	if err != nil {
		return w.markError(ctx, item, fmt.Errorf("external listing %s: %w", item.ListingID, err))
	}
	projection, err := w.projector.Build(ctx, item.ListingID)
	if err != nil {
		return w.markError(ctx, item, fmt.Errorf("build projection: %w", err))
	}

	if listing.ExternalID != "" && listing.LastPublishedHash == projection.Hash {
		w.recorder.Add(MetricIdempotentSkips, 1)
		return w.finish(ctx, item, StatusComplete, OutcomeIdempotent, nil)
	}

	attemptHash, err := canonical.Hash(map[string]any{
		"queue_item_id": item.ID,
		"attempt":       item.Attempts,
		"payload_hash":  projection.Hash,
	})
	if err != nil {
		return w.markError(ctx, item, err)
	}

	operation := IntentUpdate
	started := time.Now()
	var published PublishResult
	if listing.ExternalID == "" {
		operation = IntentCreate
		published, err = w.adapter.CreateListing(ctx, item.ListingID, projection.Payload)
	} else {
		published, err = w.adapter.UpdateListing(ctx, listing.ExternalID, item.ListingID, projection.Payload)
	}
	elapsed := time.Since(started)

	log := SyncLogEntry{
		ListingID:   item.ListingID,
		QueueItemID: item.ID,
		Operation:   operation,
		Request:     projection.Payload,
		DurationMS:  elapsed.Milliseconds(),
		AttemptHash: attemptHash,
	}

	if err == nil {
		at := w.now().UTC()
		listing.ExternalID = published.ExternalID
		listing.State = ListingPublished
		listing.LastPublishedHash = projection.Hash
		listing.LastPublishedAt = &at
		listing.ExternalRevision = published.Revision
		listing.UpdatedAt = at
		if err := w.store.SaveListing(ctx, listing); err != nil {
			return w.markError(ctx, item, fmt.Errorf("save published listing: %w", err))
		}
		log.Response = published.Response
		log.ResponseCode = published.StatusCode
		log.Result = ResultSuccess
		w.appendLog(ctx, log)
		if w.snapshots != nil {
			if _, err := w.snapshots.Record(ctx, projection, SourcePublish); err != nil {
				w.logger.Warn("publish snapshot failed", "listing_id", item.ListingID, "error", err)
			}
		}
		item.PayloadHash = projection.Hash
		return w.finish(ctx, item, StatusComplete, OutcomePublished, nil)
	}

	adapterErr, ok := asAdapterError(err)
	if !ok {
		return w.markError(ctx, item, err)
	}
	return w.fail(ctx, item, projection, adapterErr, log)
}

func (w *Worker) fail(ctx context.Context, item QueueItem, projection Projection, adapterErr *AdapterError, log SyncLogEntry) (ProcessResult, error) {
	budget := w.maxRetries
	if adapterErr.Kind.Permanent() {
		budget = w.permanentMax
		w.recorder.Add(MetricPermanentFailures, 1, "kind", string(adapterErr.Kind))
	} else {
		w.recorder.Add(MetricTransientFailures, 1, "kind", string(adapterErr.Kind))
	}
	// The request never left the process; do not spend an attempt on it.
	if adapterErr.Kind == KindCircuitOpen || adapterErr.Kind == KindThrottled {
		item.Attempts--
	}
	item.LastError = adapterErr.Error()
	item.ErrorKind = adapterErr.Kind

	log.ResponseCode = adapterErr.StatusCode
	log.Error = adapterErr.Error()
	if adapterErr.Body != "" {
		log.Response = loggableJSON([]byte(adapterErr.Body))
	}

	if item.Attempts >= budget {
		log.Result = ResultFailed
		if adapterErr.ReachedNetwork() {
			w.appendLog(ctx, log)
		}
		event, err := w.store.CreateFailedEvent(ctx, FailedEvent{
			ListingID:   item.ListingID,
			QueueItemID: item.ID,
			Intent:      log.Operation,
			PayloadHash: projection.Hash,
			LastRequest: projection.Payload,
			LastError:   item.LastError,
			Attempts:    item.Attempts,
			CreatedAt:   w.now().UTC(),
		})
		if err != nil {
			return ProcessResult{}, fmt.Errorf("record failed event for item %d: %w", item.ID, err)
		}
		w.recorder.Add(MetricDeadLettered, 1, "kind", string(adapterErr.Kind))
		w.logger.Warn("queue item dead-lettered",
			"queue_item_id", item.ID,
			"listing_id", item.ListingID,
			"attempts", item.Attempts,
			"kind", adapterErr.Kind,
			"failed_event_id", event.ID,
		)
		return w.finish(ctx, item, StatusDead, OutcomeDead, adapterErr)
	}

	log.Result = ResultRetry
	if adapterErr.ReachedNetwork() {
		w.appendLog(ctx, log)
	}
	delay := w.backoff(max(item.Attempts, 1))
	if adapterErr.RetryAfter > delay {
		delay = adapterErr.RetryAfter
	}
	item.NextRunAt = w.now().UTC().Add(delay)
	item.ClaimedAt = nil
	w.logger.Info("queue item rescheduled",
		"queue_item_id", item.ID,
		"listing_id", item.ListingID,
		"attempts", item.Attempts,
		"kind", adapterErr.Kind,
		"delay", delay,
	)
	return w.finish(ctx, item, StatusPending, OutcomeRetry, adapterErr)
}

func (w *Worker) markError(ctx context.Context, item QueueItem, cause error) (ProcessResult, error) {
	w.logger.Error("queue item failed unexpectedly", "queue_item_id", item.ID, "listing_id", item.ListingID, "error", cause)
	item.ErrorKind = ""
	return w.finish(ctx, item, StatusError, OutcomeError, cause)
}

func (w *Worker) finish(ctx context.Context, item QueueItem, status QueueStatus, outcome Outcome, cause error) (ProcessResult, error) {
	item.Status = status
	item.UpdatedAt = w.now().UTC()
	if cause != nil {
		item.LastError = truncate(cause.Error(), 2048)
	} else if status == StatusComplete {
		item.LastError = ""
		item.ErrorKind = ""
	}
	if err := w.store.UpdateQueueItem(context.WithoutCancel(ctx), item); err != nil {
		if errors.Is(err, ErrDuplicatePending) && status == StatusPending {
			// A fresher item for the same content is already queued.
			item.Status = StatusComplete
			if err := w.store.UpdateQueueItem(context.WithoutCancel(ctx), item); err != nil {
				return ProcessResult{}, err
			}
		} else {
			return ProcessResult{}, fmt.Errorf("update queue item %d: %w", item.ID, err)
		}
	}
	w.recorder.Add(MetricQueueProcessed, 1, "outcome", string(outcome))
	result := ProcessResult{
		QueueItemID: item.ID,
		ListingID:   item.ListingID,
		Outcome:     outcome,
		Status:      item.Status,
		Attempts:    item.Attempts,
		Error:       item.LastError,
	}
	if item.Status == StatusPending {
		next := item.NextRunAt
		result.NextRunAt = &next
	}
	return result, nil
}

func (w *Worker) appendLog(ctx context.Context, entry SyncLogEntry) {
	entry.CreatedAt = w.now().UTC()
	if _, err := w.store.AppendSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		w.logger.Warn("sync log write failed", "queue_item_id", entry.QueueItemID, "error", err)
	}
}

// ExpireStaleClaims moves items stuck in processing longer than the claim
// timeout to error, where retry, detect and reconciliation can reach them.
func (w *Worker) ExpireStaleClaims(ctx context.Context) (int, error) {
	now := w.now().UTC()
	reason := "claim expired after " + w.claimTimeout.String() + " in processing"
	expired, err := w.store.ExpireStaleClaims(ctx, now.Add(-w.claimTimeout), now, reason)
	if err != nil {
		return 0, fmt.Errorf("expire stale claims: %w", err)
	}
	for _, item := range expired {
		w.recorder.Add(MetricClaimsExpired, 1)
		w.logger.Warn("stale queue claim expired", "queue_item_id", item.ID, "listing_id", item.ListingID, "attempts", item.Attempts, "claimed_at", item.ClaimedAt)
		w.appendLog(ctx, SyncLogEntry{
			QueueItemID: item.ID,
			ListingID:   item.ListingID,
			Operation:   item.Intent,
			Result:      ResultFailed,
			Error:       reason,
		})
	}
	return len(expired), nil
}

// Run polls until ctx is canceled, processing up to Burst items per tick.
// Stale claims are swept on start and once per claim timeout.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.logger.Info("worker started", "interval", w.interval, "burst", w.burst)

	var lastSweep time.Time
	for {
		if now := w.now(); lastSweep.IsZero() || now.Sub(lastSweep) >= w.claimTimeout {
			lastSweep = now
			if _, err := w.ExpireStaleClaims(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("stale claim sweep failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
		}
		processed := false
		for i := 0; i < w.burst; i++ {
			_, err := w.ProcessOnce(ctx)
			if errors.Is(err, ErrNoWork) {
				break
			}
			if err != nil {
				w.logger.Error("process_once failed", "error", err)
				continue
			}
			processed = true
		}
		if !processed {
			select {
			case <-ctx.Done():
				w.logger.Info("worker stopping", "reason", ctx.Err())
				return
			case <-time.After(w.idleDelay):
			}
		}
	}
}

// Wait blocks until every Run call has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
