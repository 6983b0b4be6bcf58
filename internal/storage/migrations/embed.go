// Package migrations holds the SQLite schema applied by sqlite.DB.Migrate.
package migrations

import "embed"

// FS embeds the numbered SQL migrations.
//
//go:embed *.sql
var FS embed.FS
