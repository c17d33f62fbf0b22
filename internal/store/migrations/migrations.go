// Package migrations embeds the primary store's schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
