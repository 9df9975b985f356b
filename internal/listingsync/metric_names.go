package listingsync

import "github.com/roquehomemaster/listingsync/internal/metrics"

const (
	MetricDetectTotal          = "listingsync_detect_total"
	MetricQueueProcessed       = "listingsync_queue_processed_total"
	MetricIdempotentSkips      = "listingsync_queue_idempotent_skips_total"
	MetricTransientFailures    = "listingsync_queue_transient_failures_total"
	MetricPermanentFailures    = "listingsync_queue_permanent_failures_total"
	MetricDeadLettered         = "listingsync_queue_dead_lettered_total"
	MetricQueueWaitSeconds     = "listingsync_queue_wait_seconds"
	MetricQueueDepth           = "listingsync_queue_depth"
	MetricClaimsExpired        = "listingsync_queue_claims_expired_total"
	MetricAdapterRequests      = "listingsync_adapter_requests_total"
	MetricAdapterAuthFailures  = "listingsync_adapter_auth_failures_total"
	MetricAdapterLatencyMS     = "listingsync_adapter_latency_ms"
	MetricBreakerState         = "listingsync_circuit_breaker_state"
	MetricSnapshots            = "listingsync_snapshots_total"
	MetricDriftEvents          = "listingsync_drift_events_total"
	MetricReconcileRuns        = "listingsync_reconcile_runs_total"
	MetricPolicyRefreshes      = "listingsync_policy_refreshes_total"
	MetricPolicyImpactEnqueued = "listingsync_policy_impact_enqueued_total"
	MetricOAuthDegraded        = "listingsync_oauth_degraded"
	MetricRateLimitPerSecond   = "listingsync_rate_limit_per_second"
)

// DescribeMetrics registers help text and histogram buckets for every
// pipeline metric.
func DescribeMetrics(r *metrics.Registry) {
	r.Describe(MetricDetectTotal, "Change detector decisions by status.")
	r.Describe(MetricQueueProcessed, "Queue items processed by outcome.")
	r.Describe(MetricIdempotentSkips, "Queue items completed without a remote call because the hash was already published.")
	r.Describe(MetricTransientFailures, "Adapter failures classified as transient.")
	r.Describe(MetricPermanentFailures, "Adapter failures classified as permanent.")
	r.Describe(MetricDeadLettered, "Queue items moved to the dead letter state.")
	r.Describe(MetricQueueWaitSeconds, "Seconds between enqueue and claim.", metrics.WaitBuckets...)
	r.Describe(MetricQueueDepth, "Queue items by status.")
	r.Describe(MetricClaimsExpired, "Queue items moved from processing to error after the claim timeout.")
	r.Describe(MetricAdapterRequests, "Marketplace HTTP requests by operation and status code.")
	r.Describe(MetricAdapterAuthFailures, "Marketplace requests rejected with 401 or 403.")
	r.Describe(MetricAdapterLatencyMS, "Marketplace request latency in milliseconds.", metrics.DefaultBuckets...)
	r.Describe(MetricBreakerState, "Circuit breaker state (0 closed, 1 half open, 2 open).")
	r.Describe(MetricSnapshots, "Listing snapshots written by source.")
	r.Describe(MetricDriftEvents, "Drift events recorded by classification.")
	r.Describe(MetricReconcileRuns, "Reconciliation runs by outcome.")
	r.Describe(MetricPolicyRefreshes, "Policy cache refreshes by type and outcome.")
	r.Describe(MetricPolicyImpactEnqueued, "Queue items created by policy impact fan-out.")
	r.Describe(MetricOAuthDegraded, "1 when the token manager is degraded.")
	r.Describe(MetricRateLimitPerSecond, "Current effective rate limit.")
}
