// Package database provides SQL connectivity for the IAM core.
//
// Two dialects are supported behind one *DB wrapper:
//   - SQLite (mattn/go-sqlite3): single-node default with WAL mode and foreign keys on
//   - PostgreSQL (pgx stdlib driver): pooled connections for multi-instance deployments
//
// Queries are written with ? placeholders and passed through Rebind so the
// same statement text serves both dialects.
//
// Usage:
//
//	db, err := database.Open(database.Config{Driver: "sqlite", Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration Strategy:
//
// Migration files are embedded per dialect (sqlite/, postgres/) and named
// YYYYMMDD_HHMMSS_description.{up,down}.sql. Each migration is applied in its
// own transaction and recorded in schema_migrations.
package database
