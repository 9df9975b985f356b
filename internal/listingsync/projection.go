package listingsync

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roquehomemaster/listingsync/internal/canonical"
	"github.com/roquehomemaster/listingsync/internal/catalog"
)

//go:embed projection.schema.json
var projectionSchemaJSON []byte

const ProjectionSchemaVersion = 1

// PolicyLookup resolves cached policy content for the projection.
type PolicyLookup interface {
	GetPolicy(ctx context.Context, policyType, externalID string) (PolicyEntry, error)
}

// Projection is the canonical external representation of one listing.
type Projection struct {
	ListingID string          `json:"listingId"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
}

type Projector struct {
	catalog  catalog.Reader
	policies PolicyLookup
	schema   *jsonschema.Schema
}

func NewProjector(reader catalog.Reader, policies PolicyLookup) (*Projector, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: catalog reader is required", ErrInvalidInput)
	}
	schema, err := compileProjectionSchema()
	if err != nil {
		return nil, err
	}
	return &Projector{catalog: reader, policies: policies, schema: schema}, nil
}

func compileProjectionSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(projectionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse projection schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("projection.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add projection schema: %w", err)
	}
	schema, err := c.Compile("projection.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile projection schema: %w", err)
	}
	return schema, nil
}

// Build loads the listing and its catalog item and returns the projection
// and its content hash. No wall-clock values enter the payload.
func (p *Projector) Build(ctx context.Context, listingID string) (Projection, error) {
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return Projection{}, ErrInvalidInput
	}
	listing, err := p.catalog.FindListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Projection{}, fmt.Errorf("listing %s: %w", listingID, ErrNotFound)
		}
		return Projection{}, err
	}
	item, err := p.catalog.FindCatalogItem(ctx, listing.CatalogItemID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Projection{}, fmt.Errorf("catalog item %s for listing %s: %w", listing.CatalogItemID, listingID, ErrNotFound)
		}
		return Projection{}, err
	}
	doc, err := p.document(ctx, listing, item)
	if err != nil {
		return Projection{}, err
	}
	payload, err := canonical.Marshal(doc)
	if err != nil {
		return Projection{}, err
	}
	if err := p.validate(payload); err != nil {
		return Projection{}, fmt.Errorf("listing %s: %w: %v", listingID, ErrInvalidProjection, err)
	}
	return Projection{ListingID: listingID, Payload: payload, Hash: canonical.HashBytes(payload)}, nil
}

func (p *Projector) document(ctx context.Context, listing catalog.Listing, item catalog.Item) (map[string]any, error) {
	doc := map[string]any{
		"schema_version": ProjectionSchemaVersion,
		"sku":            item.SKU,
		"title":          strings.TrimSpace(listing.Title),
		"price": map[string]any{
			"amount_minor": listing.PriceCents,
			"currency":     strings.ToUpper(strings.TrimSpace(listing.Currency)),
		},
		"quantity":  listing.Quantity,
		"condition": listing.Condition,
	}
	description := strings.TrimSpace(listing.Description)
	if description == "" {
		description = strings.TrimSpace(item.Description)
	}
	if description != "" {
		doc["description"] = description
	}
	if item.Brand != "" {
		doc["brand"] = item.Brand
	}
	if item.Model != "" {
		doc["model"] = item.Model
	}
	if len(item.Attributes) > 0 {
		attrs := make(map[string]any, len(item.Attributes))
		for k, v := range item.Attributes {
			attrs[k] = v
		}
		doc["attributes"] = attrs
	}
	if len(item.ImageURLs) > 0 {
		images := make([]any, 0, len(item.ImageURLs))
		for _, u := range item.ImageURLs {
			images = append(images, u)
		}
		doc["images"] = images
	}
	policies := map[string]any{}
	for policyType, id := range map[string]string{
		"fulfillment": listing.FulfillmentPolicyID,
		"payment":     listing.PaymentPolicyID,
		"return":      listing.ReturnPolicyID,
	} {
		if id == "" {
			continue
		}
		ref := map[string]any{"id": id}
		if p.policies != nil {
			entry, err := p.policies.GetPolicy(ctx, policyType, id)
			switch {
			case err == nil:
				ref["content_hash"] = entry.ContentHash
			case !errors.Is(err, ErrNotFound):
				return nil, fmt.Errorf("policy %s/%s: %w", policyType, id, err)
			}
		}
		policies[policyType] = ref
	}
	if len(policies) > 0 {
		doc["policies"] = policies
	}
	return doc, nil
}

func (p *Projector) validate(payload []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return p.schema.Validate(inst)
}
