package listingsync

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roquehomemaster/listingsync/internal/diff"
)

//go:embed schema.sql
var schemaSQL string

const sqlOperationTimeout = 5 * time.Second

var tablePrefixPattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name        string
	driver      string
	idColumn    string
	claimSuffix string
	numbered    bool
	isUnique    func(error) bool
	afterOpen   func(db *sql.DB) error
}

// SQLStore implements Store on database/sql for SQLite and Postgres.
type SQLStore struct {
	dialect dialect
	dsn     string
	prefix  string
	openDB  func(driverName, dsn string) (*sql.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(d dialect, dsn, prefix string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if !tablePrefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("%w: table prefix %q", ErrInvalidInput, prefix)
	}
	return &SQLStore{dialect: d, dsn: dsn, prefix: prefix, openDB: sql.Open}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("connect %s: %w", s.dialect.name, err)
			return
		}
		if s.dialect.afterOpen != nil {
			if err := s.dialect.afterOpen(db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		ddl := strings.NewReplacer("{p}", s.prefix, "{id}", s.dialect.idColumn).Replace(schemaSQL)
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("apply schema: %w", err)
			return
		}
		s.db = db
	})
	return s.initErr
}

// q expands the table prefix and, for numbered dialects, rewrites ?
// placeholders to $n.
func (s *SQLStore) q(query string) string {
	query = strings.ReplaceAll(query, "{p}", s.prefix)
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.db.QueryRowContext(ctx, s.q(query), args...), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func queryList[T any](ctx context.Context, s *SQLStore, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func optNanos(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optTime(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func jsonText(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "", nil
	}
	return string(data), nil
}

const listingColumns = `listing_id, external_id, state, last_published_hash, last_published_at, external_revision, created_at, updated_at`

func scanListing(row rowScanner) (ExternalListing, error) {
	var l ExternalListing
	var state string
	var publishedAt, createdAt, updatedAt int64
	if err := row.Scan(&l.ListingID, &l.ExternalID, &state, &l.LastPublishedHash, &publishedAt, &l.ExternalRevision, &createdAt, &updatedAt); err != nil {
		return ExternalListing{}, err
	}
	l.State = ListingState(state)
	l.LastPublishedAt = optTime(publishedAt)
	l.CreatedAt = fromNanos(createdAt)
	l.UpdatedAt = fromNanos(updatedAt)
	return l, nil
}

func (s *SQLStore) GetListing(ctx context.Context, listingID string) (ExternalListing, error) {
	row, err := s.queryRow(ctx, `SELECT `+listingColumns+` FROM {p}external_listings WHERE listing_id = ?`, listingID)
	if err != nil {
		return ExternalListing{}, err
	}
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExternalListing{}, ErrNotFound
	}
	return l, err
}

func (s *SQLStore) SaveListing(ctx context.Context, l ExternalListing) error {
	if strings.TrimSpace(l.ListingID) == "" {
		return ErrInvalidInput
	}
	_, err := s.exec(ctx, `
		INSERT INTO {p}external_listings (`+listingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (listing_id) DO UPDATE SET
			external_id = excluded.external_id,
			state = excluded.state,
			last_published_hash = excluded.last_published_hash,
			last_published_at = excluded.last_published_at,
			external_revision = excluded.external_revision,
			updated_at = excluded.updated_at`,
		l.ListingID, l.ExternalID, string(l.State), l.LastPublishedHash, optNanos(l.LastPublishedAt), l.ExternalRevision, nanos(l.CreatedAt), nanos(l.UpdatedAt))
	return err
}

func (s *SQLStore) ListListings(ctx context.Context, afterID string, limit int) ([]ExternalListing, error) {
	return queryList(ctx, s, scanListing,
		`SELECT `+listingColumns+` FROM {p}external_listings WHERE listing_id > ? ORDER BY listing_id LIMIT ?`,
		afterID, normalizeLimit(limit))
}

const queueColumns = `id, listing_id, intent, payload_hash, status, priority, attempts, last_error, error_kind, reason, next_run_at, claimed_at, created_at, updated_at`

func scanQueueItem(row rowScanner) (QueueItem, error) {
	var item QueueItem
	var intent, status, kind string
	var nextRun, claimed, created, updated int64
	if err := row.Scan(&item.ID, &item.ListingID, &intent, &item.PayloadHash, &status, &item.Priority, &item.Attempts,
		&item.LastError, &kind, &item.Reason, &nextRun, &claimed, &created, &updated); err != nil {
		return QueueItem{}, err
	}
	item.Intent = Intent(intent)
	item.Status = QueueStatus(status)
	item.ErrorKind = ErrorKind(kind)
	item.NextRunAt = fromNanos(nextRun)
	item.ClaimedAt = optTime(claimed)
	item.CreatedAt = fromNanos(created)
	item.UpdatedAt = fromNanos(updated)
	return item, nil
}

func (s *SQLStore) CreateQueueItem(ctx context.Context, item QueueItem) (QueueItem, error) {
	if strings.TrimSpace(item.ListingID) == "" {
		return QueueItem{}, ErrInvalidInput
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}change_queue (listing_id, intent, payload_hash, status, priority, attempts, last_error, error_kind, reason, next_run_at, claimed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		item.ListingID, string(item.Intent), item.PayloadHash, string(item.Status), item.Priority, item.Attempts, item.LastError,
		string(item.ErrorKind), item.Reason, nanos(item.NextRunAt), optNanos(item.ClaimedAt), nanos(item.CreatedAt), nanos(item.UpdatedAt))
	if err != nil {
		return QueueItem{}, err
	}
	if err := row.Scan(&item.ID); err != nil {
		if s.dialect.isUnique(err) {
			return QueueItem{}, ErrDuplicatePending
		}
		return QueueItem{}, err
	}
	return item, nil
}

func (s *SQLStore) FindActiveQueueItem(ctx context.Context, listingID, payloadHash string) (QueueItem, error) {
	row, err := s.queryRow(ctx, `
		SELECT `+queueColumns+` FROM {p}change_queue
		WHERE listing_id = ? AND payload_hash = ? AND status IN ('pending', 'processing')
		ORDER BY id LIMIT 1`, listingID, payloadHash)
	if err != nil {
		return QueueItem{}, err
	}
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *SQLStore) HasActiveQueueItem(ctx context.Context, listingID string) (bool, error) {
	row, err := s.queryRow(ctx, `SELECT COUNT(*) FROM {p}change_queue WHERE listing_id = ? AND status IN ('pending', 'processing')`, listingID)
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) ClaimNextQueueItem(ctx context.Context, now time.Time) (QueueItem, error) {
	row, err := s.queryRow(ctx, `
		UPDATE {p}change_queue
		SET status = 'processing', attempts = attempts + 1, claimed_at = ?, updated_at = ?
		WHERE status = 'pending' AND id = (
			SELECT id FROM {p}change_queue
			WHERE status = 'pending' AND next_run_at <= ?
			ORDER BY priority, created_at, id
			LIMIT 1`+s.dialect.claimSuffix+`
		)
		RETURNING `+queueColumns, nanos(now), nanos(now), nanos(now))
	if err != nil {
		return QueueItem{}, err
	}
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNoWork
	}
	return item, err
}

func (s *SQLStore) UpdateQueueItem(ctx context.Context, item QueueItem) error {
	res, err := s.exec(ctx, `
		UPDATE {p}change_queue
		SET intent = ?, payload_hash = ?, status = ?, priority = ?, attempts = ?, last_error = ?, error_kind = ?,
			reason = ?, next_run_at = ?, claimed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(item.Intent), item.PayloadHash, string(item.Status), item.Priority, item.Attempts, item.LastError, string(item.ErrorKind),
		item.Reason, nanos(item.NextRunAt), optNanos(item.ClaimedAt), nanos(item.UpdatedAt), item.ID)
	if err != nil {
		if s.dialect.isUnique(err) {
			return ErrDuplicatePending
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ExpireStaleClaims(ctx context.Context, claimedBefore, now time.Time, reason string) ([]QueueItem, error) {
	return queryList(ctx, s, scanQueueItem, `
		UPDATE {p}change_queue
		SET status = 'error', error_kind = '', last_error = ?, updated_at = ?
		WHERE status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < ?
		RETURNING `+queueColumns, reason, nanos(now), nanos(claimedBefore))
}

func (s *SQLStore) GetQueueItem(ctx context.Context, id int64) (QueueItem, error) {
	row, err := s.queryRow(ctx, `SELECT `+queueColumns+` FROM {p}change_queue WHERE id = ?`, id)
	if err != nil {
		return QueueItem{}, err
	}
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *SQLStore) ListQueueItems(ctx context.Context, filter QueueFilter) ([]QueueItem, error) {
	return queryList(ctx, s, scanQueueItem, `
		SELECT `+queueColumns+` FROM {p}change_queue
		WHERE (? = '' OR status = ?) AND (? = '' OR listing_id = ?)
		ORDER BY priority, created_at, id
		LIMIT ?`,
		string(filter.Status), string(filter.Status), filter.ListingID, filter.ListingID, normalizeLimit(filter.Limit))
}

func (s *SQLStore) QueueStats(ctx context.Context) (QueueStats, error) {
	type statusCount struct {
		status string
		count  int
		oldest int64
	}
	rows, err := queryList(ctx, s, func(row rowScanner) (statusCount, error) {
		var c statusCount
		err := row.Scan(&c.status, &c.count, &c.oldest)
		return c, err
	}, `SELECT status, COUNT(*), MIN(created_at) FROM {p}change_queue GROUP BY status`)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Counts: map[QueueStatus]int{}}
	for _, c := range rows {
		stats.Counts[QueueStatus(c.status)] = c.count
		if QueueStatus(c.status) == StatusPending {
			stats.OldestPendingAt = optTime(c.oldest)
		}
	}
	return stats, nil
}

const syncLogColumns = `id, listing_id, queue_item_id, operation, request, response, response_code, result, duration_ms, attempt_hash, error, created_at`

func scanSyncLog(row rowScanner) (SyncLogEntry, error) {
	var e SyncLogEntry
	var op, req, resp, result string
	var created int64
	if err := row.Scan(&e.ID, &e.ListingID, &e.QueueItemID, &op, &req, &resp, &e.ResponseCode, &result, &e.DurationMS, &e.AttemptHash, &e.Error, &created); err != nil {
		return SyncLogEntry{}, err
	}
	e.Operation = Intent(op)
	e.Request = rawOrNil(req)
	e.Response = rawOrNil(resp)
	e.Result = SyncResult(result)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (s *SQLStore) AppendSyncLog(ctx context.Context, e SyncLogEntry) (SyncLogEntry, error) {
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}sync_logs (listing_id, queue_item_id, operation, request, response, response_code, result, duration_ms, attempt_hash, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.ListingID, e.QueueItemID, string(e.Operation), string(e.Request), string(e.Response), e.ResponseCode, string(e.Result),
		e.DurationMS, e.AttemptHash, e.Error, nanos(e.CreatedAt))
	if err != nil {
		return SyncLogEntry{}, err
	}
	return e, row.Scan(&e.ID)
}

func (s *SQLStore) ListSyncLogs(ctx context.Context, filter LogFilter) ([]SyncLogEntry, error) {
	return queryList(ctx, s, scanSyncLog,
		`SELECT `+syncLogColumns+` FROM {p}sync_logs WHERE (? = '' OR listing_id = ?) ORDER BY id DESC LIMIT ?`,
		filter.ListingID, filter.ListingID, normalizeLimit(filter.Limit))
}

const transactionColumns = `id, correlation_id, listing_id, method, url, request_headers, request_body, response_code, response_headers, response_body, duration_ms, error, created_at`

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var reqHeaders, respHeaders string
	var created int64
	if err := row.Scan(&t.ID, &t.CorrelationID, &t.ListingID, &t.Method, &t.URL, &reqHeaders, &t.RequestBody, &t.ResponseCode,
		&respHeaders, &t.ResponseBody, &t.DurationMS, &t.Error, &created); err != nil {
		return Transaction{}, err
	}
	if reqHeaders != "" {
		_ = json.Unmarshal([]byte(reqHeaders), &t.RequestHeaders)
	}
	if respHeaders != "" {
		_ = json.Unmarshal([]byte(respHeaders), &t.ResponseHeaders)
	}
	t.CreatedAt = fromNanos(created)
	return t, nil
}

func (s *SQLStore) AppendTransaction(ctx context.Context, t Transaction) (Transaction, error) {
	reqHeaders, err := jsonText(t.RequestHeaders)
	if err != nil {
		return Transaction{}, err
	}
	respHeaders, err := jsonText(t.ResponseHeaders)
	if err != nil {
		return Transaction{}, err
	}
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}transactions (correlation_id, listing_id, method, url, request_headers, request_body, response_code, response_headers, response_body, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		t.CorrelationID, t.ListingID, t.Method, t.URL, reqHeaders, t.RequestBody, t.ResponseCode, respHeaders, t.ResponseBody,
		t.DurationMS, t.Error, nanos(t.CreatedAt))
	if err != nil {
		return Transaction{}, err
	}
	return t, row.Scan(&t.ID)
}

func (s *SQLStore) ListTransactions(ctx context.Context, filter LogFilter) ([]Transaction, error) {
	return queryList(ctx, s, scanTransaction,
		`SELECT `+transactionColumns+` FROM {p}transactions WHERE (? = '' OR listing_id = ?) ORDER BY id DESC LIMIT ?`,
		filter.ListingID, filter.ListingID, normalizeLimit(filter.Limit))
}

const failedEventColumns = `id, listing_id, queue_item_id, intent, payload_hash, last_request, last_error, attempts, replayed_at, replay_item_id, created_at`

func scanFailedEvent(row rowScanner) (FailedEvent, error) {
	var e FailedEvent
	var intent, lastRequest string
	var replayed, created int64
	if err := row.Scan(&e.ID, &e.ListingID, &e.QueueItemID, &intent, &e.PayloadHash, &lastRequest, &e.LastError, &e.Attempts,
		&replayed, &e.ReplayItemID, &created); err != nil {
		return FailedEvent{}, err
	}
	e.Intent = Intent(intent)
	e.LastRequest = rawOrNil(lastRequest)
	e.ReplayedAt = optTime(replayed)
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (s *SQLStore) CreateFailedEvent(ctx context.Context, e FailedEvent) (FailedEvent, error) {
	if _, err := s.exec(ctx, `
		INSERT INTO {p}failed_events (listing_id, queue_item_id, intent, payload_hash, last_request, last_error, attempts, replayed_at, replay_item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (queue_item_id) DO NOTHING`,
		e.ListingID, e.QueueItemID, string(e.Intent), e.PayloadHash, string(e.LastRequest), e.LastError, e.Attempts,
		optNanos(e.ReplayedAt), e.ReplayItemID, nanos(e.CreatedAt)); err != nil {
		return FailedEvent{}, err
	}
	row, err := s.queryRow(ctx, `SELECT `+failedEventColumns+` FROM {p}failed_events WHERE queue_item_id = ?`, e.QueueItemID)
	if err != nil {
		return FailedEvent{}, err
	}
	return scanFailedEvent(row)
}

func (s *SQLStore) GetFailedEvent(ctx context.Context, id int64) (FailedEvent, error) {
	row, err := s.queryRow(ctx, `SELECT `+failedEventColumns+` FROM {p}failed_events WHERE id = ?`, id)
	if err != nil {
		return FailedEvent{}, err
	}
	e, err := scanFailedEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FailedEvent{}, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) ListFailedEvents(ctx context.Context, filter LogFilter) ([]FailedEvent, error) {
	return queryList(ctx, s, scanFailedEvent,
		`SELECT `+failedEventColumns+` FROM {p}failed_events WHERE (? = '' OR listing_id = ?) ORDER BY id DESC LIMIT ?`,
		filter.ListingID, filter.ListingID, normalizeLimit(filter.Limit))
}

func (s *SQLStore) MarkFailedEventReplayed(ctx context.Context, id, replayItemID int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE {p}failed_events SET replayed_at = ?, replay_item_id = ? WHERE id = ?`, nanos(at), replayItemID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const snapshotColumns = `id, listing_id, hash, projection, diff, source, dedup_of, created_at`

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var projection, diffText string
	var created int64
	if err := row.Scan(&snap.ID, &snap.ListingID, &snap.Hash, &projection, &diffText, &snap.Source, &snap.DedupOf, &created); err != nil {
		return Snapshot{}, err
	}
	snap.Projection = rawOrNil(projection)
	if diffText != "" {
		var changes diff.Changes
		if err := json.Unmarshal([]byte(diffText), &changes); err != nil {
			return Snapshot{}, fmt.Errorf("snapshot %d diff: %w", snap.ID, err)
		}
		snap.Diff = changes
	}
	snap.CreatedAt = fromNanos(created)
	return snap, nil
}

func (s *SQLStore) CreateSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	diffText := ""
	if len(snap.Diff) > 0 {
		text, err := jsonText(snap.Diff)
		if err != nil {
			return Snapshot{}, err
		}
		diffText = text
	}
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}snapshots (listing_id, hash, projection, diff, source, dedup_of, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		snap.ListingID, snap.Hash, string(snap.Projection), diffText, snap.Source, snap.DedupOf, nanos(snap.CreatedAt))
	if err != nil {
		return Snapshot{}, err
	}
	return snap, row.Scan(&snap.ID)
}

func (s *SQLStore) GetSnapshot(ctx context.Context, id int64) (Snapshot, error) {
	row, err := s.queryRow(ctx, `SELECT `+snapshotColumns+` FROM {p}snapshots WHERE id = ?`, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func (s *SQLStore) LatestSnapshot(ctx context.Context, listingID string) (Snapshot, error) {
	row, err := s.queryRow(ctx, `SELECT `+snapshotColumns+` FROM {p}snapshots WHERE listing_id = ? ORDER BY id DESC LIMIT 1`, listingID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	return snap, err
}

func (s *SQLStore) ListSnapshots(ctx context.Context, filter LogFilter) ([]Snapshot, error) {
	return queryList(ctx, s, scanSnapshot,
		`SELECT `+snapshotColumns+` FROM {p}snapshots WHERE (? = '' OR listing_id = ?) ORDER BY id DESC LIMIT ?`,
		filter.ListingID, filter.ListingID, normalizeLimit(filter.Limit))
}

const driftColumns = `id, listing_id, classification, local_hash, remote_hash, snapshot_hash, details, details_truncated, remote_error, queue_item_id, created_at`

func scanDriftEvent(row rowScanner) (DriftEvent, error) {
	var e DriftEvent
	var class, details string
	var truncated int
	var created int64
	if err := row.Scan(&e.ID, &e.ListingID, &class, &e.LocalHash, &e.RemoteHash, &e.SnapshotHash, &details, &truncated,
		&e.RemoteError, &e.QueueItemID, &created); err != nil {
		return DriftEvent{}, err
	}
	e.Classification = DriftClass(class)
	e.Details = rawOrNil(details)
	e.DetailsTruncated = truncated != 0
	e.CreatedAt = fromNanos(created)
	return e, nil
}

func (s *SQLStore) CreateDriftEvent(ctx context.Context, e DriftEvent) (DriftEvent, error) {
	truncated := 0
	if e.DetailsTruncated {
		truncated = 1
	}
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}drift_events (listing_id, classification, local_hash, remote_hash, snapshot_hash, details, details_truncated, remote_error, queue_item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.ListingID, string(e.Classification), e.LocalHash, e.RemoteHash, e.SnapshotHash, string(e.Details), truncated,
		e.RemoteError, e.QueueItemID, nanos(e.CreatedAt))
	if err != nil {
		return DriftEvent{}, err
	}
	return e, row.Scan(&e.ID)
}

func (s *SQLStore) ListDriftEvents(ctx context.Context, filter DriftFilter) ([]DriftEvent, error) {
	return queryList(ctx, s, scanDriftEvent, `
		SELECT `+driftColumns+` FROM {p}drift_events
		WHERE (? = '' OR listing_id = ?) AND (? = '' OR classification = ?) AND created_at >= ?
		ORDER BY id DESC LIMIT ?`,
		filter.ListingID, filter.ListingID, string(filter.Classification), string(filter.Classification),
		nanos(filter.Since), normalizeLimit(filter.Limit))
}

func (s *SQLStore) DriftSummary(ctx context.Context, since time.Time) (map[DriftClass]int, error) {
	type classCount struct {
		class string
		count int
	}
	rows, err := queryList(ctx, s, func(row rowScanner) (classCount, error) {
		var c classCount
		err := row.Scan(&c.class, &c.count)
		return c, err
	}, `SELECT classification, COUNT(*) FROM {p}drift_events WHERE created_at >= ? GROUP BY classification`, nanos(since))
	if err != nil {
		return nil, err
	}
	out := map[DriftClass]int{}
	for _, c := range rows {
		out[DriftClass(c.class)] = c.count
	}
	return out, nil
}

func (s *SQLStore) DeleteDriftEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM {p}drift_events WHERE created_at < ?`, nanos(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const policyColumns = `policy_type, external_id, name, payload, content_hash, fetched_at, expires_at`

func scanPolicy(row rowScanner) (PolicyEntry, error) {
	var p PolicyEntry
	var payload string
	var fetched, expires int64
	if err := row.Scan(&p.PolicyType, &p.ExternalID, &p.Name, &payload, &p.ContentHash, &fetched, &expires); err != nil {
		return PolicyEntry{}, err
	}
	p.Payload = rawOrNil(payload)
	p.FetchedAt = fromNanos(fetched)
	p.ExpiresAt = fromNanos(expires)
	return p, nil
}

func (s *SQLStore) GetPolicy(ctx context.Context, policyType, externalID string) (PolicyEntry, error) {
	row, err := s.queryRow(ctx, `SELECT `+policyColumns+` FROM {p}policies WHERE policy_type = ? AND external_id = ?`, policyType, externalID)
	if err != nil {
		return PolicyEntry{}, err
	}
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyEntry{}, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) UpsertPolicy(ctx context.Context, p PolicyEntry) error {
	if p.PolicyType == "" || p.ExternalID == "" {
		return ErrInvalidInput
	}
	_, err := s.exec(ctx, `
		INSERT INTO {p}policies (`+policyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (policy_type, external_id) DO UPDATE SET
			name = excluded.name,
			payload = excluded.payload,
			content_hash = excluded.content_hash,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		p.PolicyType, p.ExternalID, p.Name, string(p.Payload), p.ContentHash, nanos(p.FetchedAt), nanos(p.ExpiresAt))
	return err
}

func (s *SQLStore) ListPolicies(ctx context.Context, policyType string) ([]PolicyEntry, error) {
	return queryList(ctx, s, scanPolicy,
		`SELECT `+policyColumns+` FROM {p}policies WHERE (? = '' OR policy_type = ?) ORDER BY policy_type, external_id`,
		policyType, policyType)
}

func (s *SQLStore) DeleteExpiredPolicies(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM {p}policies WHERE expires_at <= ?`, nanos(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const stagedColumns = `id, source, external_id, payload, status, result, error, created_at, mapped_at`

func scanStaged(row rowScanner) (StagedPayload, error) {
	var p StagedPayload
	var payload, status, result string
	var created, mapped int64
	if err := row.Scan(&p.ID, &p.Source, &p.ExternalID, &payload, &status, &result, &p.Error, &created, &mapped); err != nil {
		return StagedPayload{}, err
	}
	p.Payload = rawOrNil(payload)
	p.Status = StagedStatus(status)
	p.Result = rawOrNil(result)
	p.CreatedAt = fromNanos(created)
	p.MappedAt = optTime(mapped)
	return p, nil
}

func (s *SQLStore) CreateStagedPayload(ctx context.Context, p StagedPayload) (StagedPayload, error) {
	if p.Status == "" {
		p.Status = StagedPending
	}
	row, err := s.queryRow(ctx, `
		INSERT INTO {p}staged_payloads (source, external_id, payload, status, result, error, created_at, mapped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		p.Source, p.ExternalID, string(p.Payload), string(p.Status), string(p.Result), p.Error, nanos(p.CreatedAt), optNanos(p.MappedAt))
	if err != nil {
		return StagedPayload{}, err
	}
	return p, row.Scan(&p.ID)
}

func (s *SQLStore) ListStagedPayloads(ctx context.Context, status StagedStatus, limit int) ([]StagedPayload, error) {
	return queryList(ctx, s, scanStaged,
		`SELECT `+stagedColumns+` FROM {p}staged_payloads WHERE (? = '' OR status = ?) ORDER BY id LIMIT ?`,
		string(status), string(status), normalizeLimit(limit))
}

func (s *SQLStore) UpdateStagedPayload(ctx context.Context, p StagedPayload) error {
	res, err := s.exec(ctx, `UPDATE {p}staged_payloads SET status = ?, result = ?, error = ?, mapped_at = ? WHERE id = ?`,
		string(p.Status), string(p.Result), p.Error, optNanos(p.MappedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
