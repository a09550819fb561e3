package db

import (
	"context"
	"database/sql"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the consultation_sessions table and its indexes if they do
// not already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}
