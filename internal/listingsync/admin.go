package listingsync

import (
	"context"
	"errors"
	"fmt"
)

// RetryQueueItem moves an error or dead item back to pending with a fresh
// attempt budget.
func (p *Pipeline) RetryQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	item, err := p.Store.GetQueueItem(ctx, id)
	if err != nil {
		return QueueItem{}, err
	}
	if item.Status != StatusError && item.Status != StatusDead {
		return QueueItem{}, fmt.Errorf("%w: queue item %d is %s", ErrInvalidState, id, item.Status)
	}
	now := p.now().UTC()
	item.Status = StatusPending
	item.Attempts = 0
	item.LastError = ""
	item.ErrorKind = ""
	item.NextRunAt = now
	item.ClaimedAt = nil
	item.UpdatedAt = now
	if err := p.Store.UpdateQueueItem(ctx, item); err != nil {
		return QueueItem{}, err
	}
	p.logger.Info("queue item retried by admin", "queue_item_id", id, "listing_id", item.ListingID)
	return item, nil
}

type RetryReport struct {
	Retried []int64 `json:"retried"`
	Skipped []int64 `json:"skipped,omitempty"`
}

// RetryDeadLetters retries up to limit dead items. Items whose content is
// already pending again are skipped.
func (p *Pipeline) RetryDeadLetters(ctx context.Context, limit int) (RetryReport, error) {
	items, err := p.Store.ListQueueItems(ctx, QueueFilter{Status: StatusDead, Limit: limit})
	if err != nil {
		return RetryReport{}, err
	}
	report := RetryReport{Retried: []int64{}}
	for _, item := range items {
		if _, err := p.RetryQueueItem(ctx, item.ID); err != nil {
			if errors.Is(err, ErrDuplicatePending) {
				report.Skipped = append(report.Skipped, item.ID)
				continue
			}
			return report, err
		}
		report.Retried = append(report.Retried, item.ID)
	}
	return report, nil
}

// ReplayFailedEvent enqueues a new item for a dead-lettered publish. Each
// failed event can be replayed once.
func (p *Pipeline) ReplayFailedEvent(ctx context.Context, id int64) (QueueItem, error) {
	event, err := p.Store.GetFailedEvent(ctx, id)
	if err != nil {
		return QueueItem{}, err
	}
	if event.ReplayedAt != nil {
		return QueueItem{}, fmt.Errorf("%w: failed event %d already replayed as item %d", ErrInvalidState, id, event.ReplayItemID)
	}
	now := p.now().UTC()
	item, err := p.Store.CreateQueueItem(ctx, QueueItem{
		ListingID:   event.ListingID,
		Intent:      event.Intent,
		PayloadHash: event.PayloadHash,
		Status:      StatusPending,
		Priority:    priorityFor(event.Intent, ReasonReplay),
		Reason:      ReasonReplay,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return QueueItem{}, err
	}
	if err := p.Store.MarkFailedEventReplayed(ctx, id, item.ID, now); err != nil {
		return QueueItem{}, err
	}
	p.logger.Info("failed event replayed", "failed_event_id", id, "queue_item_id", item.ID, "listing_id", item.ListingID)
	return item, nil
}
