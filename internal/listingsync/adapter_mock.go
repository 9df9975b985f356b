package listingsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type MockAdapterOptions struct {
	// PolicyDir holds <type>.json files, each a JSON array of policy objects
	// with at least an "id" field.
	PolicyDir string
}

// MockAdapter is the disabled-mode marketplace: every publish succeeds
// against an in-memory remote unless a failure has been injected.
type MockAdapter struct {
	policyDir string

	mu       sync.Mutex
	remote   map[string]RemoteListing
	nextID   int
	queued   []error
	sticky   error
	policies map[string][]RemotePolicy

	publishes atomic.Int64
	fetches   atomic.Int64
}

func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	return &MockAdapter{
		policyDir: strings.TrimSpace(opts.PolicyDir),
		remote:    map[string]RemoteListing{},
		policies:  map[string][]RemotePolicy{},
	}
}

// FailNext queues errors returned by the next publish calls, one per call.
func (m *MockAdapter) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, errs...)
}

// FailOnce makes the next publish fail with a transient 503.
func (m *MockAdapter) FailOnce() {
	m.FailNext(&AdapterError{Kind: KindServer, StatusCode: 503, Message: "injected failure"})
}

// FailWith makes every publish fail with err until called with nil.
func (m *MockAdapter) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sticky = err
}

// PublishCalls counts create and update calls, including failed ones.
func (m *MockAdapter) PublishCalls() int64 {
	return m.publishes.Load()
}

func (m *MockAdapter) FetchCalls() int64 {
	return m.fetches.Load()
}

// SetRemote overwrites the remote copy, as if edited on the marketplace.
func (m *MockAdapter) SetRemote(externalID string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.remote[externalID]
	current.ExternalID = externalID
	current.Payload = append(json.RawMessage(nil), payload...)
	current.Revision = bumpRevision(current.Revision)
	m.remote[externalID] = current
}

func (m *MockAdapter) SetPolicies(policyType string, policies []RemotePolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[policyType] = append([]RemotePolicy(nil), policies...)
}

func (m *MockAdapter) injectedLocked() error {
	if len(m.queued) > 0 {
		err := m.queued[0]
		m.queued = m.queued[1:]
		return err
	}
	return m.sticky
}

func (m *MockAdapter) CreateListing(_ context.Context, listingID string, payload json.RawMessage) (PublishResult, error) {
	m.publishes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return PublishResult{}, err
	}
	m.nextID++
	externalID := fmt.Sprintf("mock-%d", m.nextID)
	m.remote[externalID] = RemoteListing{ExternalID: externalID, Revision: "1", Payload: append(json.RawMessage(nil), payload...)}
	return PublishResult{
		ExternalID: externalID,
		Revision:   "1",
		StatusCode: 201,
		Request:    payload,
		Response:   mockResponse(externalID, "1", listingID),
	}, nil
}

func (m *MockAdapter) UpdateListing(_ context.Context, externalID, listingID string, payload json.RawMessage) (PublishResult, error) {
	m.publishes.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injectedLocked(); err != nil {
		return PublishResult{}, err
	}
	current, ok := m.remote[externalID]
	if !ok {
		return PublishResult{}, &AdapterError{Kind: KindNotFound, StatusCode: 404, Message: "listing " + externalID + " not found"}
	}
	current.Revision = bumpRevision(current.Revision)
	current.Payload = append(json.RawMessage(nil), payload...)
	m.remote[externalID] = current
	return PublishResult{
		ExternalID: externalID,
		Revision:   current.Revision,
		StatusCode: 200,
		Request:    payload,
		Response:   mockResponse(externalID, current.Revision, listingID),
	}, nil
}

func (m *MockAdapter) GetListing(_ context.Context, externalID string) (RemoteListing, error) {
	m.fetches.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.remote[externalID]
	if !ok {
		return RemoteListing{}, &AdapterError{Kind: KindNotFound, StatusCode: 404, Message: "listing " + externalID + " not found"}
	}
	current.Payload = append(json.RawMessage(nil), current.Payload...)
	return current, nil
}

func (m *MockAdapter) FetchPolicies(_ context.Context, policyType string) ([]RemotePolicy, error) {
	m.mu.Lock()
	set, ok := m.policies[policyType]
	m.mu.Unlock()
	if ok {
		return append([]RemotePolicy(nil), set...), nil
	}
	if m.policyDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(m.policyDir, policyType+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodePolicies(data)
}

func decodePolicies(data []byte) ([]RemotePolicy, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		var wrapped struct {
			Policies []json.RawMessage `json:"policies"`
		}
		if json.Unmarshal(data, &wrapped) != nil {
			return nil, fmt.Errorf("decode policies: %w", err)
		}
		raws = wrapped.Policies
	}
	out := make([]RemotePolicy, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		if strings.TrimSpace(head.ID) == "" {
			return nil, fmt.Errorf("%w: policy without id", ErrInvalidInput)
		}
		out = append(out, RemotePolicy{ExternalID: head.ID, Name: head.Name, Payload: raw})
	}
	return out, nil
}

func bumpRevision(rev string) string {
	n, _ := strconv.Atoi(rev)
	return strconv.Itoa(n + 1)
}

func mockResponse(externalID, revision, listingID string) json.RawMessage {
	body, _ := json.Marshal(map[string]string{"id": externalID, "revision": revision, "reference": listingID})
	return body
}
