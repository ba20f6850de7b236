// Package migrations embeds the SQL schema migrations in golang-migrate format
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
