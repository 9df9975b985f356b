package listingsync

import (
	"errors"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "postgres",
	idColumn:    "BIGSERIAL PRIMARY KEY",
	claimSuffix: " FOR UPDATE SKIP LOCKED",
	numbered:    true,
	isUnique: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
	},
}

type PostgresStoreOptions struct {
	// TablePrefix namespaces every table, e.g. "listingsync_".
	TablePrefix string
}

// NewPostgresStore connects lazily on first use and creates the schema.
func NewPostgresStore(dsn string, opts PostgresStoreOptions) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn, opts.TablePrefix)
}
