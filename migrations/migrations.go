// Package migrations embeds the SQL schema migrations for the identity
// service. Files run in lexical order; see database.RunMigrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
