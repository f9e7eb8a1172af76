// Package migrations embeds the sqlite schema migrations.
package migrations

import "embed"

// Files holds the migration scripts applied by golang-migrate.
//
//go:embed *.sql
var Files embed.FS
