// Package migrations embeds the node directory and message history schema.
// Importing it registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/meshlink-core/internal/infrastructure/database"
)

//go:embed *.sql
var schema embed.FS

func init() {
	database.RegisterMigrations(schema, ".")
}
