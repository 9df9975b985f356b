package httpapi

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/roquehomemaster/listingsync/internal/listingsync"
)

func wantsCSV(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "csv")
}

func writeSyncLogsCSV(w http.ResponseWriter, logs []listingsync.SyncLogEntry) {
	startCSV(w, "sync-logs.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "listing_id", "queue_item_id", "operation", "result", "response_code", "duration_ms", "attempt_hash", "error", "created_at"})
	for _, entry := range logs {
		_ = cw.Write([]string{
			strconv.FormatInt(entry.ID, 10),
			entry.ListingID,
			strconv.FormatInt(entry.QueueItemID, 10),
			string(entry.Operation),
			string(entry.Result),
			strconv.Itoa(entry.ResponseCode),
			strconv.FormatInt(entry.DurationMS, 10),
			entry.AttemptHash,
			entry.Error,
			entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	cw.Flush()
}

func writeTransactionsCSV(w http.ResponseWriter, txs []listingsync.Transaction) {
	startCSV(w, "transactions.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "correlation_id", "listing_id", "method", "url", "response_code", "duration_ms", "error", "created_at"})
	for _, tx := range txs {
		_ = cw.Write([]string{
			strconv.FormatInt(tx.ID, 10),
			tx.CorrelationID,
			tx.ListingID,
			tx.Method,
			tx.URL,
			strconv.Itoa(tx.ResponseCode),
			strconv.FormatInt(tx.DurationMS, 10),
			tx.Error,
			tx.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	cw.Flush()
}

func startCSV(w http.ResponseWriter, filename string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
}
