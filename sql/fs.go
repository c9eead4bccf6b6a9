// Package sql embeds the goose migrations of the dashboard schema.
package sql

import (
	"embed"
	"fmt"

	stdsql "database/sql"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed *.sql
var FS embed.FS

// NewProvider returns a goose provider applying the embedded migrations
// to a PostgreSQL database.
func NewProvider(db *stdsql.DB) (*goose.Provider, error) {
	provider, err := goose.NewProvider(database.DialectPostgres, db, FS)
	if err != nil {
		return nil, fmt.Errorf("creating goose provider: %w", err)
	}

	return provider, nil
}
