// Package pgdb holds the Postgres helpers shared by the livedesk stores.
//
// Stores never own the pgx pool; the app constructs it and closes it on shutdown.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "livedesk"

//go:embed schema.sql
var schemaSQL string

// ErrInvalidSchema is returned for schema names that are not plain identifiers.
var ErrInvalidSchema = errors.New("pgdb: invalid schema identifier")

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain Postgres identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// NormalizeSchema trims s, applies the default and validates it.
func NormalizeSchema(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultSchema, nil
	}
	if !ValidIdent(s) {
		return "", ErrInvalidSchema
	}
	return s, nil
}

// Ident returns the quoted "schema"."table" reference.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// SchemaSQL returns the DDL for every livedesk table in the given schema.
func SchemaSQL(schema string) (string, error) {
	schema, err := NormalizeSchema(schema)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(schemaSQL, "__SCHEMA__", pgx.Identifier{schema}.Sanitize()), nil
}

// ApplySchema creates the livedesk tables if they do not exist.
func ApplySchema(ctx context.Context, db Execer, schema string) error {
	ddl, err := SchemaSQL(schema)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, ddl)
	return err
}
