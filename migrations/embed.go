// Package migrations embeds SQL migration files into the binary.
//
// Files live in one directory per dialect (sqlite/, postgres/). The database
// package picks the directory matching the configured driver.
package migrations

import (
	"embed"

	"github.com/viktordrukker/TG-ERP/internal/infrastructure/database"
)

//go:embed sqlite/*.sql postgres/*.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
