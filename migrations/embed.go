// Package migrations holds the forward-only Postgres schema for kotae,
// applied in file-name order by storage.DB.RunMigrations.
package migrations

import "embed"

// FS holds every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
