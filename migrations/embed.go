// Package migrations embeds the PostgreSQL schema migrations so binaries
// can migrate without a migrations directory on disk.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
