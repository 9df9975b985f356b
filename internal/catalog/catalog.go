// Package catalog is the read side of the internal catalog: listings and the
// catalog items they sell.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("catalog record not found")

type Listing struct {
	ID                  string    `json:"id"`
	CatalogItemID       string    `json:"catalogItemId"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	PriceCents          int64     `json:"priceCents"`
	Currency            string    `json:"currency"`
	Quantity            int       `json:"quantity"`
	Condition           string    `json:"condition"`
	Status              string    `json:"status"`
	FulfillmentPolicyID string    `json:"fulfillmentPolicyId,omitempty"`
	PaymentPolicyID     string    `json:"paymentPolicyId,omitempty"`
	ReturnPolicyID      string    `json:"returnPolicyId,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type Item struct {
	ID          string            `json:"id"`
	SKU         string            `json:"sku"`
	Brand       string            `json:"brand,omitempty"`
	Model       string            `json:"model,omitempty"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ImageURLs   []string          `json:"imageUrls,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type Reader interface {
	FindListing(ctx context.Context, id string) (Listing, error)
	FindCatalogItem(ctx context.Context, id string) (Item, error)
	// ListListingIDs pages through listing ids in ascending order.
	ListListingIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// MemoryReader serves listings from memory. Used for local runs, fixtures
// and tests.
type MemoryReader struct {
	mu       sync.RWMutex
	listings map[string]Listing
	items    map[string]Item
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{listings: map[string]Listing{}, items: map[string]Item{}}
}

type fixture struct {
	Listings []Listing `json:"listings"`
	Items    []Item    `json:"items"`
}

// LoadFixture reads {"listings": [...], "items": [...]} from path.
func LoadFixture(path string) (*MemoryReader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("catalog fixture %s: %w", path, err)
	}
	r := NewMemoryReader()
	for _, item := range fx.Items {
		r.PutItem(item)
	}
	for _, listing := range fx.Listings {
		r.PutListing(listing)
	}
	return r, nil
}

func (r *MemoryReader) PutListing(l Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[strings.TrimSpace(l.ID)] = l
}

func (r *MemoryReader) PutItem(item Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[strings.TrimSpace(item.ID)] = item
}

func (r *MemoryReader) DeleteListing(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listings, id)
}

func (r *MemoryReader) FindListing(_ context.Context, id string) (Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[strings.TrimSpace(id)]
	if !ok {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return l, nil
}

func (r *MemoryReader) FindCatalogItem(_ context.Context, id string) (Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[strings.TrimSpace(id)]
	if !ok {
		return Item{}, fmt.Errorf("catalog item %s: %w", id, ErrNotFound)
	}
	return item, nil
}

func (r *MemoryReader) ListListingIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.listings))
	for id := range r.listings {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
