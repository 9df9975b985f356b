package listingsync

import (
	"context"
	"encoding/json"
)

// Adapter is the marketplace boundary. Failures are *AdapterError.
type Adapter interface {
	CreateListing(ctx context.Context, listingID string, payload json.RawMessage) (PublishResult, error)
	UpdateListing(ctx context.Context, externalID, listingID string, payload json.RawMessage) (PublishResult, error)
	GetListing(ctx context.Context, externalID string) (RemoteListing, error)
	FetchPolicies(ctx context.Context, policyType string) ([]RemotePolicy, error)
}

type PublishResult struct {
	ExternalID string          `json:"externalId"`
	Revision   string          `json:"revision,omitempty"`
	StatusCode int             `json:"statusCode"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
}

type RemoteListing struct {
	ExternalID string          `json:"id"`
	Revision   string          `json:"revision,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type RemotePolicy struct {
	ExternalID string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"-"`
}

// TokenSource is the subset of the OAuth token manager the adapter needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
	ReportAuthFailure(reason string)
	Degraded() bool
	// RecoveryDue lets one call through to refresh while degraded.
	RecoveryDue() bool
}

type TransactionSink interface {
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)
}
