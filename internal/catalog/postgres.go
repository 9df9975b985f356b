package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresOptions struct {
	DSN      string
	MaxConns int
	// SimpleProtocol is required behind transaction-mode poolers.
	SimpleProtocol bool
}

// PostgresReader reads the internal catalog schema (listings, catalog_items).
type PostgresReader struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*PostgresReader, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, errors.New("catalog dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog dsn: %w", err)
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = int32(maxConns)
	if opts.SimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog connect: %w", err)
	}
	return &PostgresReader{pool: pool}, nil
}

func (r *PostgresReader) FindListing(ctx context.Context, id string) (Listing, error) {
	const q = `
		SELECT id, catalog_item_id, title, COALESCE(description, ''), price_cents, currency,
		       quantity, COALESCE(condition, ''), status,
		       COALESCE(fulfillment_policy_id, ''), COALESCE(payment_policy_id, ''), COALESCE(return_policy_id, ''),
		       updated_at
		FROM listings
		WHERE id = $1`
	var l Listing
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&l.ID, &l.CatalogItemID, &l.Title, &l.Description, &l.PriceCents, &l.Currency,
		&l.Quantity, &l.Condition, &l.Status,
		&l.FulfillmentPolicyID, &l.PaymentPolicyID, &l.ReturnPolicyID,
		&l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Listing{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Listing{}, err
	}
	return l, nil
}

func (r *PostgresReader) FindCatalogItem(ctx context.Context, id string) (Item, error) {
	const q = `
		SELECT id, sku, COALESCE(brand, ''), COALESCE(model, ''), COALESCE(description, ''),
		       COALESCE(attributes, '{}'::jsonb), COALESCE(image_urls, '{}'::text[]), updated_at
		FROM catalog_items
		WHERE id = $1`
	var item Item
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&item.ID, &item.SKU, &item.Brand, &item.Model, &item.Description,
		&item.Attributes, &item.ImageURLs, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("catalog item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}

func (r *PostgresReader) ListListingIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM listings WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresReader) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresReader) Close() {
	r.pool.Close()
}
