package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name can be interpolated as a schema identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// SearchPath returns the statement that scopes a session to schema.
func SearchPath(schema string) string {
	return fmt.Sprintf("SET search_path TO %s, public", schema)
}

// EnsureSchema creates schema if needed and applies any pending migrations
// from migrations to it. A nil migrations FS skips the migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string, migrations fs.FS) (int, error) {
	if !ValidSchema(schema) {
		return 0, fmt.Errorf("invalid schema name: %s", schema)
	}

	if schema != "public" {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return 0, fmt.Errorf("create schema %s: %w", schema, err)
		}
	}

	if migrations == nil {
		return 0, nil
	}
	n, err := NewMigrator(pool, migrations).Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}
